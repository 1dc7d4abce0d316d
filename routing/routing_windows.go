package routing

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cocoonstack/vmxdriver/executor"
)

// Load reads the IPv4 route table with netsh.
func Load(ctx context.Context, runner executor.Runner) (*Table, error) {
	netsh, err := exec.LookPath("netsh.exe")
	if err != nil {
		return nil, fmt.Errorf("%w: netsh.exe", ErrCommandNotFound)
	}
	res, err := runner.Execute(ctx, netsh, []string{"interface", "ip", "show", "route"}, executor.Options{})
	if err != nil {
		return nil, fmt.Errorf("load routing table: %w", err)
	}
	routes, err := ParseNetsh(res.Stdout)
	if err != nil {
		return nil, err
	}
	return New(routes), nil
}
