package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testPolicy(r *recorder) Policy {
	p := DefaultPolicy()
	p.Sleep = r.sleep
	return p
}

var errQuota = genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED", Message: "quota exceeded"}

func TestDoSucceedsAfterRetries(t *testing.T) {
	rec := &recorder{}
	calls := 0

	got, err := Do(context.Background(), testPolicy(rec), "test", func(context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", errQuota
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	rec := &recorder{}
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec), "test", func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d: 503 UNAVAILABLE", calls)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
	if err.Error() != "attempt 4: 503 UNAVAILABLE" {
		t.Errorf("expected last error, got %q", err.Error())
	}
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Errorf("expected transient kind, got %s", apperr.KindOf(err))
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], rec.delays[i])
		}
	}
}

func TestDoTerminalErrorSingleAttempt(t *testing.T) {
	rec := &recorder{}
	calls := 0
	terminal := genai.APIError{Code: http.StatusBadRequest, Message: "invalid argument"}

	_, err := Do(context.Background(), testPolicy(rec), "test", func(context.Context) (int, error) {
		calls++
		return 0, terminal
	})
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		t.Errorf("expected original error, got %v", err)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no sleeps, got %v", rec.delays)
	}
}

func TestDoConfigurationErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testPolicy(&recorder{}), "test", func(context.Context) (int, error) {
		calls++
		return 0, apperr.New(apperr.KindConfiguration, apperr.ErrNoCredential)
	})
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	if !errors.Is(err, apperr.ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := DefaultPolicy()
	p.InitialDelay = time.Hour

	_, err := Do(ctx, p, "test", func(context.Context) (int, error) {
		return 0, errQuota
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"genai 429", errQuota, true},
		{"genai 503 pointer", &genai.APIError{Code: 503}, true},
		{"genai 400", genai.APIError{Code: 400, Message: "quota"}, false},
		{"openai 429", &openai.APIError{HTTPStatusCode: 429}, true},
		{"http 503", &HTTPError{Service: "x", StatusCode: 503}, true},
		{"http 500", &HTTPError{Service: "x", StatusCode: 500}, false},
		{"wrapped string quota", fmt.Errorf("call: %w", errors.New("Quota exceeded for project")), true},
		{"string overloaded", errors.New("The model is overloaded"), true},
		{"safety block", errors.New("blocked by safety filters"), false},
		{"canceled", context.Canceled, false},
		{"no credential", apperr.New(apperr.KindConfiguration, errors.New("429 not really")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
