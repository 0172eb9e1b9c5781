package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/logger"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
)

// Policy bounds a retry loop. Attempts = MaxRetries + 1; the delay before
// retry n is InitialDelay * 2^(n-1).
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration

	// Retryable decides whether a failure is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Log *logger.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. op is invoked fresh on every attempt, so anything it
// acquires (a credential, a request body) is acquired again per attempt.
//
// When the budget runs out the last error is returned wrapped as a transient
// apperr; non-retryable errors are returned untouched.
func Do[T any](ctx context.Context, p Policy, label string, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	delay := p.InitialDelay
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 0 && p.Log != nil {
				p.Log.Info("Call succeeded after retry", "call", label, "attempt", attempt+1)
			}
			return result, nil
		}

		if !retryable(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			if p.Log != nil {
				p.Log.Warn("Retry budget exhausted", "call", label, "attempts", attempt+1, "error", err.Error())
			}
			return zero, apperr.New(apperr.KindTransient, err)
		}

		if p.Log != nil {
			p.Log.Warn("Retryable failure, backing off",
				"call", label, "attempt", attempt+1, "max_retries", p.MaxRetries, "delay", delay.String(), "error", err.Error())
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s cancelled while backing off: %w", label, err)
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPError is returned by REST clients in this module for non-2xx replies.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, truncate(e.Body, 300))
}

// IsRetryable reports whether err signals rate limiting or temporary
// unavailability. Everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apperr.KindOf(err) == apperr.KindConfiguration {
		return false
	}

	if code, ok := statusCode(err); ok {
		return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429",
		"503",
		"resource_exhausted",
		"resource exhausted",
		"quota",
		"too many requests",
		"rate limit",
		"unavailable",
		"overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func statusCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) && oaiErr.HTTPStatusCode != 0 {
		return oaiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
