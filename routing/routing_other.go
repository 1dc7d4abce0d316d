//go:build !linux && !darwin && !windows

package routing

import (
	"context"

	"github.com/cocoonstack/vmxdriver/executor"
)

// Load is unavailable on this platform.
func Load(context.Context, executor.Runner) (*Table, error) {
	return nil, ErrUnsupportedOS
}
