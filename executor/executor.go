package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projecteru2/core/log"
)

const (
	// DefaultTries is the attempt bound for retryable invocations.
	DefaultTries = 3
	// DefaultBackoff is the fixed sleep between retryable attempts.
	DefaultBackoff = 2 * time.Second
)

// ErrInterrupted is returned when the invocation was aborted by an interrupt.
var ErrInterrupted = errors.New("command interrupted")

// Options tune a single invocation.
type Options struct {
	// Timeout bounds each attempt. Zero means no timeout.
	Timeout time.Duration
	// Retryable re-runs the whole invocation on a non-zero exit.
	Retryable bool
	// Notify, if set, receives every captured output line as it arrives.
	Notify func(stream, line string)
	// Env entries appended to the current environment.
	Env []string
}

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a non-zero exit and carries the captured output.
type ExitError struct {
	Binary string
	Args   []string
	Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s %s exited %d: %s", e.Binary, strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr+" "+e.Stdout))
}

// TimeoutError reports an attempt that exceeded Options.Timeout.
type TimeoutError struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Binary, strings.Join(e.Args, " "), e.Timeout)
}

// Runner executes external binaries. Implemented by *Executor and by test fakes.
type Runner interface {
	Execute(ctx context.Context, binary string, args []string, opts Options) (*Result, error)
}

// compile-time interface check.
var _ Runner = (*Executor)(nil)

// Executor runs hypervisor CLI binaries with bounded retry and an interrupt hook.
type Executor struct {
	Tries   int
	Backoff time.Duration

	interrupted atomic.Bool
}

// New returns an Executor with the default retry policy.
func New() *Executor {
	return &Executor{Tries: DefaultTries, Backoff: DefaultBackoff}
}

// Interrupt requests that any pending retries are abandoned.
// The call currently running is left to finish.
func (e *Executor) Interrupt() { e.interrupted.Store(true) }

// Interrupted reports whether an interrupt was observed since the last Reset.
func (e *Executor) Interrupted() bool { return e.interrupted.Load() }

// Reset clears the interrupted flag.
func (e *Executor) Reset() { e.interrupted.Store(false) }

// Execute runs binary with args. Context cancellation marks the executor
// interrupted and returns ErrInterrupted after the child has been reaped.
func (e *Executor) Execute(ctx context.Context, binary string, args []string, opts Options) (*Result, error) {
	logger := log.WithFunc("executor.Execute")
	tries := 1
	if opts.Retryable {
		tries = max(e.Tries, 1)
	}

	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		res, err := e.runOnce(ctx, binary, args, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || attempt == tries {
			return res, err
		}
		logger.Debugf(ctx, "attempt %d/%d of %s failed: %v", attempt, tries, binary, err)
		if e.Interrupted() {
			return res, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		select {
		case <-ctx.Done():
			e.Interrupt()
			return res, fmt.Errorf("%w: %w", ErrInterrupted, err)
		case <-time.After(e.Backoff):
		}
	}
	return nil, lastErr
}

func (e *Executor) runOnce(ctx context.Context, binary string, args []string, opts Options) (*Result, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, binary, args...) //nolint:gosec // binary paths come from the helper service
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	stdout := newCapture("stdout", opts.Notify)
	stderr := newCapture("stderr", opts.Notify)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	res := &Result{
		Stdout:   normalizeNewlines(stdout.String()),
		Stderr:   normalizeNewlines(stderr.String()),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	switch {
	case ctx.Err() != nil:
		e.Interrupt()
		return res, ErrInterrupted
	case runCtx.Err() == context.DeadlineExceeded:
		return res, &TimeoutError{Binary: binary, Args: args, Timeout: opts.Timeout}
	case runErr == nil:
		return res, nil
	}

	var ee *exec.ExitError
	if !errors.As(runErr, &ee) {
		return res, fmt.Errorf("run %s: %w", binary, runErr)
	}
	return res, &ExitError{Binary: binary, Args: args, Result: *res}
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// capture buffers process output and forwards complete lines to notify.
type capture struct {
	mu      sync.Mutex
	stream  string
	notify  func(stream, line string)
	buf     bytes.Buffer
	pending []byte
}

func newCapture(stream string, notify func(string, string)) *capture {
	return &capture{stream: stream, notify: notify}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
	if c.notify == nil {
		return len(p), nil
	}
	c.pending = append(c.pending, p...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		c.notify(c.stream, strings.TrimRight(string(c.pending[:i]), "\r"))
		c.pending = c.pending[i+1:]
	}
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify != nil && len(c.pending) > 0 {
		c.notify(c.stream, string(c.pending))
		c.pending = nil
	}
	return c.buf.String()
}
