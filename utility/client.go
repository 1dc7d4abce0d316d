package utility

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/version"
)

const (
	// ContentType is the media type the helper service expects.
	ContentType = "application/vnd.hashicorp.vagrant.vmware.rest-v1+json"

	CAFile         = "vagrant-utility.crt"
	ClientCertFile = "vagrant-utility.client.crt"
	ClientKeyFile  = "vagrant-utility.client.key"

	HTTPTimeout = 30 * time.Second
)

var (
	// ErrConnectionFailed means the helper service could not be reached.
	ErrConnectionFailed = errors.New("helper service connection failed")
	// ErrInvalidResponse means the response did not have the expected shape.
	ErrInvalidResponse = errors.New("invalid response from helper service")
)

// CertificateError reports an unreadable certificate or key file.
type CertificateError struct {
	Path string
	Err  error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("load certificate %s: %v", e.Path, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// RequestError wraps an unexpected transport failure.
type RequestError struct {
	Method string
	Path   string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client talks to the helper service over HTTPS with mutual TLS.
// It never retries; retry policy belongs to the caller.
type Client struct {
	baseURL string
	hc      *http.Client
	header  http.Header
}

// New builds a client for host:port authenticating with the certificates in certDir.
func New(host string, port int, certDir string) (*Client, error) {
	tlsConf, err := loadTLSConfig(certDir)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{
		Timeout:   HTTPTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConf},
	}
	return NewWithHTTPClient("https://"+net.JoinHostPort(host, strconv.Itoa(port)), hc), nil
}

// NewWithHTTPClient builds a client for baseURL using hc as transport.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	h := http.Header{}
	h.Set("Content-Type", ContentType)
	h.Set("Origin", baseURL)
	h.Set("User-Agent", fmt.Sprintf("%s/%s", version.NAME, version.VERSION))
	h.Set("X-Requested-With", "Vagrant")
	return &Client{baseURL: baseURL, hc: hc, header: h}
}

func loadTLSConfig(certDir string) (*tls.Config, error) {
	caPath := filepath.Join(certDir, CAFile)
	caPEM, err := os.ReadFile(caPath) //nolint:gosec // configured certificate directory
	if err != nil {
		return nil, &CertificateError{Path: caPath, Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, &CertificateError{Path: caPath, Err: errors.New("no PEM certificates found")}
	}
	certPath := filepath.Join(certDir, ClientCertFile)
	keyPath := filepath.Join(certDir, ClientKeyFile)
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, &CertificateError{Path: certPath, Err: err}
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Put performs a PUT request with an optional JSON payload.
func (c *Client) Put(ctx context.Context, path string, payload any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, payload)
}

// Post performs a POST request with an optional JSON payload.
func (c *Client) Post(ctx context.Context, path string, payload any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, payload)
}

// Delete performs a DELETE request with an optional JSON payload.
func (c *Client) Delete(ctx context.Context, path string, payload any) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, payload)
}

// Do sends the request and wraps whatever came back in a Response.
// A non-2xx status is not an error; callers inspect Response.Success.
func (c *Client) Do(ctx context.Context, method, path string, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		switch p := payload.(type) {
		case string:
			body = bytes.NewBufferString(p)
		case []byte:
			body = bytes.NewReader(p)
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode %s %s payload: %w", method, path, err)
			}
			body = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	req.Header = c.header.Clone()

	resp, err := c.hc.Do(req)
	if err != nil {
		if isConnectionFailure(err) {
			return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrConnectionFailed, err)
		}
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%s %s: %w: service unavailable", method, path, ErrConnectionFailed)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}

	r := newResponse(resp.StatusCode, raw)
	logger := log.WithFunc("utility.Do")
	if r.Success {
		logger.Debugf(ctx, "request METHOD=%s PATH=%s RESPONSE=%d", method, path, r.Code)
	} else {
		logger.Debugf(ctx, "request METHOD=%s PATH=%s RESPONSE=%d ERROR=%s", method, path, r.Code, r.Message())
	}
	return r, nil
}

func isConnectionFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
