package routing

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cocoonstack/vmxdriver/executor"
)

// Load reads the IPv4 route table with netstat.
func Load(ctx context.Context, runner executor.Runner) (*Table, error) {
	netstat, err := exec.LookPath("netstat")
	if err != nil {
		return nil, fmt.Errorf("%w: netstat", ErrCommandNotFound)
	}
	res, err := runner.Execute(ctx, netstat, []string{"-nr", "-f", "inet"}, executor.Options{})
	if err != nil {
		return nil, fmt.Errorf("load routing table: %w", err)
	}
	routes, err := ParseNetstatDarwin(res.Stdout)
	if err != nil {
		return nil, err
	}
	return New(routes), nil
}
