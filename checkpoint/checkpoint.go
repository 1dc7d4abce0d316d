// Package checkpoint runs the advisory update check in the background
// while a lifecycle command does its work.
package checkpoint

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/cocoonstack/vmxdriver/utils"
)

// Alert levels reported by the checkpoint service.
const (
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

// Alert is a notice attached to a product release.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Date    int64  `json:"date"`
}

// Result is one product's check outcome.
type Result struct {
	Product            string  `json:"product"`
	CurrentVersion     string  `json:"current_version"`
	CurrentDownloadURL string  `json:"current_download_url"`
	Alerts             []Alert `json:"alerts"`

	InstalledVersion string `json:"-"`
}

// Outdated reports whether a newer release than the installed one exists.
// Unparsable versions are never outdated.
func (r *Result) Outdated() bool {
	current, err := version.NewVersion(r.CurrentVersion)
	if err != nil {
		return false
	}
	installed, err := version.NewVersion(r.InstalledVersion)
	if err != nil {
		return false
	}
	return current.GreaterThan(installed)
}

// Check produces one result. A nil result with a nil error means skipped.
type Check func(ctx context.Context) (*Result, error)

// Task is the owned handle to the running checks.
type Task struct {
	g      *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	results []*Result
}

// Start launches every check. Failures are logged and never returned.
func Start(ctx context.Context, checks ...Check) *Task {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	t := &Task{g: g, cancel: cancel, done: make(chan struct{})}
	logger := log.WithFunc("checkpoint.Start")

	for _, check := range checks {
		g.Go(func() error {
			res, err := check(gctx)
			if err != nil {
				logger.Debugf(gctx, "check failure: %v", err)
				return nil
			}
			if res == nil {
				return nil
			}
			t.mu.Lock()
			t.results = append(t.results, res)
			t.mu.Unlock()
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(t.done)
	}()
	return t
}

// Wait joins the checks for at most timeout. complete is false when some
// check was still running; results gathered so far are returned.
func (t *Task) Wait(ctx context.Context, timeout time.Duration) (results []*Result, complete bool) {
	if t == nil {
		return nil, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		complete = true
	case <-timer.C:
		log.WithFunc("checkpoint.Wait").Debugf(ctx, "checks did not finish within %s", timeout)
	case <-ctx.Done():
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Result(nil), t.results...), complete
}

// Stop cancels checks that are still running.
func (t *Task) Stop() {
	if t != nil {
		t.cancel()
	}
}

// Remote checks product at installed against the service at baseURL.
// installed is resolved lazily so it may depend on a slow lookup.
func Remote(hc *http.Client, baseURL, product string, installed func(context.Context) (string, error)) Check {
	return func(ctx context.Context) (*Result, error) {
		v, err := installed(ctx)
		if err != nil || v == "" {
			return nil, err
		}
		endpoint := strings.TrimRight(baseURL, "/") + "/v1/check/" + url.PathEscape(product) +
			"?" + url.Values{"version": {v}}.Encode()
		var res Result
		if err := utils.GetJSON(ctx, hc, endpoint, &res); err != nil {
			return nil, err
		}
		if res.Product == "" {
			res.Product = product
		}
		res.InstalledVersion = v
		return &res, nil
	}
}

// Static returns v unchanged, for versions known at build time.
func Static(v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return v, nil }
}
