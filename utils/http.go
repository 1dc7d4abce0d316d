package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	HTTPTimeout = 10 * time.Second
	MaxRetries  = 2
	BaseBackoff = 200 * time.Millisecond
)

// StatusError carries an unexpected HTTP status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// NewHTTPClient returns a client bounded by HTTPTimeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: HTTPTimeout}
}

// DoRequest sends an HTTP request and validates the response status code.
// Returns the response body on success. For 204 No Content the body is empty.
func DoRequest(ctx context.Context, hc *http.Client, method, url string, body []byte, expectedStatus int) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		return nil, &StatusError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s → %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(rb)),
		}
	}
	return rb, nil
}

// GetJSON fetches url with retries and decodes the 200 response into v.
func GetJSON(ctx context.Context, hc *http.Client, url string, v any) error {
	body, err := DoWithRetry(ctx, func() ([]byte, error) {
		return DoRequest(ctx, hc, http.MethodGet, url, nil, http.StatusOK)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// DoWithRetry retries fn with exponential backoff for transient errors.
func DoWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, lastErr
}

// IsRetryable returns true for transient errors (connection failures, 5xx, 429).
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	// Connection-level failure.
	return true
}
