package utility

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response is the uniform envelope around every helper service reply.
// Content holds the decoded JSON document, or the raw body as a string
// when the body is not JSON. An empty body leaves Content nil.
type Response struct {
	Code    int
	Success bool
	Content any

	raw []byte
}

func newResponse(code int, raw []byte) *Response {
	r := &Response{Code: code, Success: code >= 200 && code < 300, raw: raw}
	if len(bytes.TrimSpace(raw)) == 0 {
		return r
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		r.Content = string(raw)
		return r
	}
	r.Content = v
	return r
}

// Get walks Content along keys. A missing key yields nil; walking
// through a value that is not an object yields ErrInvalidResponse.
func (r *Response) Get(keys ...string) (any, error) {
	cur := r.Content
	for _, k := range keys {
		if cur == nil {
			return nil, nil
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an object", ErrInvalidResponse, k)
		}
		cur = m[k]
	}
	return cur, nil
}

// String returns the string at keys, or "" when absent.
func (r *Response) String(keys ...string) (string, error) {
	v, err := r.Get(keys...)
	if err != nil || v == nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case float64, bool:
		return fmt.Sprint(s), nil
	}
	return "", fmt.Errorf("%w: %v is not a scalar", ErrInvalidResponse, keys)
}

// Decode unmarshals the raw body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return nil
}

// Message returns the service-reported error message, if any.
func (r *Response) Message() string {
	m, _ := r.String("message")
	if m == "" {
		if s, ok := r.Content.(string); ok {
			return s
		}
	}
	return m
}
