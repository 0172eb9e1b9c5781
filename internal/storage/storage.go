package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/retry"
	"github.com/google/uuid"
)

const (
	// Upload timeout per attempt; rendered videos can be tens of MB
	uploadTimeout = 180 * time.Second

	downloadTimeout = 120 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
)

// Storage talks to the Supabase Storage REST API.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	policy     retry.Policy
	log        *logger.Logger
}

func New(url, serviceKey, bucket string, log *logger.Logger) *Storage {
	log = log.With("service", "Storage")
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		policy: retry.Policy{
			MaxRetries:   maxRetries,
			InitialDelay: baseRetryDelay,
			Retryable:    isRetryable,
			Log:          log,
		},
		log: log,
	}
}

func (s *Storage) objectURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, p)
}

// Upload stores data at path, overwriting any existing object.
func (s *Storage) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	_, err := retry.Do(ctx, s.policy, "storage upload "+p, func(ctx context.Context) (struct{}, error) {
		// each attempt gets its own timeout, bounded by the caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, s.objectURL(p), bytes.NewReader(data))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		req.ContentLength = int64(len(data))

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to upload: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return struct{}{}, &retry.HTTPError{Service: "storage upload", StatusCode: resp.StatusCode, Body: string(body)}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	s.log.Debug("Uploaded object", "path", p, "bytes", len(data), "content_type", contentType)
	return nil
}

// Download fetches the object at path.
func (s *Storage) Download(ctx context.Context, p string) ([]byte, error) {
	return retry.Do(ctx, s.policy, "storage download "+p, func(ctx context.Context) ([]byte, error) {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, s.objectURL(p), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, &retry.HTTPError{Service: "storage download", StatusCode: resp.StatusCode, Body: string(body)}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read download body: %w", err)
		}
		return data, nil
	})
}

// Remove deletes objects. Missing objects are not an error.
func (s *Storage) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}

	_, err = retry.Do(ctx, s.policy, "storage remove", func(ctx context.Context) (struct{}, error) {
		url := fmt.Sprintf("%s/storage/v1/object/%s", s.url, s.Bucket)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to remove objects: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
			return struct{}{}, &retry.HTTPError{Service: "storage remove", StatusCode: resp.StatusCode, Body: string(body)}
		}
		return struct{}{}, nil
	})
	return err
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, p)
}

// GetSignedURL creates a signed URL for temporary access
func (s *Storage) GetSignedURL(ctx context.Context, p string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, p)

	body := fmt.Sprintf(`{"expiresIn": %d}`, expiresIn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &retry.HTTPError{Service: "storage sign", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// GenerateStoragePath creates a storage path for an asset
func (s *Storage) GenerateStoragePath(projectID uuid.UUID, filename string) string {
	return path.Join(projectID.String(), filename)
}

// isRetryable accepts the transfer failures worth another attempt: timeouts,
// dropped connections and 408/429/502/503/504 replies.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var he *retry.HTTPError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}
