package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// --- StatusError ---

func TestStatusError_Error(t *testing.T) {
	se := &StatusError{Code: 500, Message: "internal"}
	if se.Error() != "internal" {
		t.Errorf("expected %q, got %q", "internal", se.Error())
	}
}

// --- DoRequest ---

func TestDoRequest_Success_GET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("expected Accept application/json, got %q", r.Header.Get("Accept"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	body, err := DoRequest(context.Background(), srv.Client(), http.MethodGet, srv.URL+"/test", nil, http.StatusOK)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDoRequest_WithBody_SetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %q", ct)
		}
		reqBody, _ := io.ReadAll(r.Body)
		if string(reqBody) != `{"key":"val"}` {
			t.Errorf("unexpected request body: %s", reqBody)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body, err := DoRequest(context.Background(), srv.Client(), http.MethodPut, srv.URL+"/test", []byte(`{"key":"val"}`), http.StatusNoContent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body for 204, got %q", body)
	}
}

func TestDoRequest_StatusMismatch_ReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom\n"))
	}))
	defer srv.Close()

	_, err := DoRequest(context.Background(), srv.Client(), http.MethodGet, srv.URL+"/test", nil, http.StatusOK)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.Code != http.StatusInternalServerError {
		t.Errorf("expected code 500, got %d", se.Code)
	}
	if !strings.HasSuffix(se.Message, "boom") {
		t.Errorf("expected message to end with 'boom', got %q", se.Message)
	}
}

func TestDoRequest_ConnectionError(t *testing.T) {
	hc := &http.Client{Timeout: 100 * time.Millisecond}
	_, err := DoRequest(context.Background(), hc, http.MethodGet, "http://127.0.0.1:1/nope", nil, http.StatusOK)
	if err == nil {
		t.Fatal("expected connection error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("expected transport error, got StatusError{%d}", se.Code)
	}
}

func TestDoRequest_InvalidURL(t *testing.T) {
	if _, err := DoRequest(context.Background(), http.DefaultClient, http.MethodGet, "://bad", nil, http.StatusOK); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

// --- GetJSON ---

func TestGetJSON_RetriesThenDecodes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"current_version":"1.2.3"}`))
	}))
	defer srv.Close()

	var out struct {
		CurrentVersion string `json:"current_version"`
	}
	if err := GetJSON(context.Background(), srv.Client(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.CurrentVersion != "1.2.3" || calls.Load() != 2 {
		t.Errorf("got %+v after %d calls", out, calls.Load())
	}
}

func TestGetJSON_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]any
	if err := GetJSON(context.Background(), srv.Client(), srv.URL, &out); err == nil {
		t.Fatal("expected decode error")
	}
}

// --- DoWithRetry ---

func TestDoWithRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result, err := DoWithRetry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient error")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 || calls != 3 {
		t.Errorf("expected 42 after 3 calls, got %d after %d", result, calls)
	}
}

func TestDoWithRetry_ExhaustedRetries(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(context.Background(), func() (string, error) {
		calls++
		return "", fmt.Errorf("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", MaxRetries+1, calls)
	}
}

func TestDoWithRetry_NonRetryableError_StopsImmediately(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(context.Background(), func() (string, error) {
		calls++
		return "", &StatusError{Code: 404, Message: "not found"}
	})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Errorf("expected StatusError{404}, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call (non-retryable), got %d", calls)
	}
}

func TestDoWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := DoWithRetry(ctx, func() (string, error) {
		calls++
		return "", fmt.Errorf("transient")
	})
	if err == nil || calls != 1 {
		t.Errorf("expected one failing call, got %d calls err=%v", calls, err)
	}
}

// --- IsRetryable ---

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{Code: 400}, false},
		{&StatusError{Code: 404}, false},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 500}, true},
		{&StatusError{Code: 503}, true},
		{fmt.Errorf("outer: %w", &StatusError{Code: 404}), false},
		{fmt.Errorf("connection refused"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
