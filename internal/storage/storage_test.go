package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/retry"
	"github.com/google/uuid"
)

func newTestStorage(t *testing.T, handler http.HandlerFunc) *Storage {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := New(srv.URL, "service-key", "renders", logger.Nop())
	s.policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func TestUploadRetriesUnavailable(t *testing.T) {
	var calls int32
	var gotBody string
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodPut || r.URL.Path != "/storage/v1/object/renders/p/video.webm" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" || r.Header.Get("x-upsert") != "true" {
			t.Errorf("missing headers")
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	if err := s.Upload(context.Background(), "p/video.webm", []byte("webm"), "video/webm"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if calls != 3 || gotBody != "webm" {
		t.Errorf("expected 3 attempts and body, got %d %q", calls, gotBody)
	}
}

func TestDownloadNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "missing", http.StatusNotFound)
	})

	_, err := s.Download(context.Background(), "nope")
	var he *retry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestGetSignedURL(t *testing.T) {
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/object/sign/renders/p/video.webm" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"signedURL":"/object/sign/renders/p/video.webm?token=abc"}`))
	})

	url, err := s.GetSignedURL(context.Background(), "p/video.webm", 3600)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(url, "/storage/v1/object/sign/renders/p/video.webm?token=abc") {
		t.Errorf("unexpected signed url %s", url)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&retry.HTTPError{StatusCode: 504}, true},
		{&retry.HTTPError{StatusCode: 429}, true},
		{&retry.HTTPError{StatusCode: 413}, false},
		{errors.New("read: connection reset by peer"), true},
		{context.Canceled, false},
		{errors.New("invalid path"), false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestGenerateStoragePath(t *testing.T) {
	s := New("http://x", "", "b", logger.Nop())
	id := uuid.MustParse("6f1c1f7e-4c6b-4f3e-9d6e-0d4f6c1b2a33")
	if got := s.GenerateStoragePath(id, "final.webm"); got != id.String()+"/final.webm" {
		t.Errorf("unexpected path %s", got)
	}
}
