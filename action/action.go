// Package action drives VM lifecycle verbs as ordered lists of steps.
package action

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/checkpoint"
	"github.com/cocoonstack/vmxdriver/config"
	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/lock"
	"github.com/cocoonstack/vmxdriver/lock/flock"
	"github.com/cocoonstack/vmxdriver/network"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utils"
)

var (
	// ErrInterrupted is returned when a user interrupt stopped the pipeline.
	ErrInterrupted  = errors.New("operation interrupted")
	ErrSnapshotName = errors.New("snapshot name is required")
)

const networkLockInterval = time.Second

// Next continues the pipeline after the current step.
type Next func(ctx context.Context) error

// Step does its work around the rest of the pipeline. Work before next runs
// on the way in, work after next on the way out.
type Step func(ctx context.Context, env *Env, next Next) error

// Capabilities are resolved once at startup and decide which optional
// steps a verb includes.
type Capabilities struct {
	VerifyVmnet   bool
	SharedFolders bool
	Disks         bool
}

// CapabilitiesFor derives the capabilities of machine m.
func CapabilitiesFor(conf *config.Config, m *types.Machine) Capabilities {
	return Capabilities{
		VerifyVmnet:   m.Provider.VerifyVmnetEnabled(),
		SharedFolders: len(m.SyncedFolders) > 0,
		Disks:         len(m.Disks) > 0 || utils.Exists(conf.DiskMetaFile(m.Name)),
	}
}

// Env is the state shared by the steps of one command.
type Env struct {
	Conf       *config.Config
	Machine    *types.Machine
	Host       driver.Host
	Checkpoint *checkpoint.Task
	// Interrupted reports a user interrupt seen by the process executor.
	Interrupted func() bool
	// LoadRoutes reads the host routing table for host-only collision checks.
	LoadRoutes func(ctx context.Context) (network.Router, error)

	ForceHalt    bool
	SnapshotName string
	// ExportDir receives box.vmx and the VM files on package.
	ExportDir string

	// GuestNetworks is the guest-side configuration left by Network.
	GuestNetworks []types.GuestNetwork

	drv             driver.Driver
	vmwareChecked   bool
	checkpointDone  bool
	importDestroyed bool

	sleep          func(ctx context.Context, d time.Duration) error
	vmxHaltTimeout time.Duration
	addressTimeout time.Duration
}

// Run executes steps under the machine lock.
func Run(ctx context.Context, env *Env, steps []Step) error {
	name := env.Machine.Name
	if err := env.Conf.EnsureMachineDirs(name); err != nil {
		return fmt.Errorf("ensure machine dirs: %w", err)
	}
	log.WithFunc("action.Run").Debugf(ctx, "running %d steps for %s", len(steps), name)
	return lock.WithLock(ctx, flock.New(env.Conf.MachineLock(name)), func() error {
		return run(ctx, env, steps)
	})
}

func run(ctx context.Context, env *Env, steps []Step) error {
	if len(steps) == 0 {
		return nil
	}
	return steps[0](ctx, env, func(ctx context.Context) error {
		return run(ctx, env, steps[1:])
	})
}

// then turns next into a final step so a sub-list can hand control back.
func then(next Next) Step {
	return func(ctx context.Context, _ *Env, _ Next) error { return next(ctx) }
}

// IfState re-reads the VM state when reached and continues with match or
// otherwise before the rest of the pipeline.
func IfState(cond func(types.VMState) bool, match, otherwise []Step) Step {
	return func(ctx context.Context, env *Env, next Next) error {
		state, err := env.State(ctx)
		if err != nil {
			return err
		}
		branch := otherwise
		if cond(state) {
			branch = match
		}
		return run(ctx, env, slices.Concat(branch, []Step{then(next)}))
	}
}

// IfCreated branches on whether the VM exists.
func IfCreated(match, otherwise []Step) Step {
	return IfState(types.VMState.Created, match, otherwise)
}

func is(states ...types.VMState) func(types.VMState) bool {
	return func(s types.VMState) bool { return slices.Contains(states, s) }
}

// Driver returns the driver bound to the machine's VMX, or an unbound one
// when the machine has not been imported.
func (e *Env) Driver() (driver.Driver, error) {
	if e.drv != nil {
		return e.drv, nil
	}
	id, err := e.machineID()
	if err != nil {
		return nil, err
	}
	drv, err := e.Host.ForVMX(id)
	if errors.Is(err, driver.ErrVMXNotFound) {
		log.WithFunc("action.Driver").Warnf(context.Background(), "machine id %s has no VMX, treating as not created", id)
		drv, err = e.Host.ForVMX("")
	}
	if err != nil {
		return nil, err
	}
	e.drv = drv
	return drv, nil
}

// State reads the VM state; it is never cached.
func (e *Env) State(ctx context.Context) (types.VMState, error) {
	drv, err := e.Driver()
	if err != nil {
		return "", err
	}
	return drv.ReadState(ctx)
}

func (e *Env) machineID() (string, error) {
	data, err := os.ReadFile(e.Conf.MachineIDFile(e.Machine.Name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read machine id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// setMachineID records the VMX path of the machine; empty clears it.
func (e *Env) setMachineID(id string) error {
	e.drv = nil
	path := e.Conf.MachineIDFile(e.Machine.Name)
	if id == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("clear machine id: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil { //nolint:mnd
		return fmt.Errorf("write machine id: %w", err)
	}
	return nil
}

func (e *Env) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || (e.Interrupted != nil && e.Interrupted())
}

func (e *Env) pause(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// withNetworkLock serializes vmnet changes with other processes. The lock is
// retried every second up to the configured number of attempts.
func (e *Env) withNetworkLock(ctx context.Context, fn func() error) error {
	l := flock.New(e.Conf.NetworkLock())
	return lock.WithRetry(ctx, l, e.Conf.NetworkLockAttempts, networkLockInterval, fn)
}
