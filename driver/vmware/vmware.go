package vmware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/vmx"
)

// Driver operates one VM through vmrun, vdiskmanager and the helper service.
type Driver struct {
	*Host

	vmxPath string
	vmDir   string
}

// compile-time interface check.
var _ driver.Driver = (*Driver)(nil)

// VMXPath returns the bound VMX file, empty when the VM does not exist.
func (d *Driver) VMXPath() string { return d.vmxPath }

// VMDir returns the directory holding the VMX file.
func (d *Driver) VMDir() string { return d.vmDir }

func (d *Driver) readVMX(ctx context.Context) (*vmx.Document, error) {
	if d.vmxPath == "" {
		return nil, driver.ErrNotCreated
	}
	return vmx.Load(ctx, d.vmxPath)
}

// VMXModify runs one read-modify-write transaction on the VMX file.
func (d *Driver) VMXModify(ctx context.Context, fn func(*vmx.Document) error) error {
	if d.vmxPath == "" {
		return driver.ErrNotCreated
	}
	log.WithFunc("vmware.VMXModify").Debugf(ctx, "modifying %s", d.vmxPath)
	return vmx.Modify(ctx, d.vmxPath, fn)
}

// ReadState derives the VM state from the VMX file, the running list and
// the presence of a suspend file.
func (d *Driver) ReadState(ctx context.Context) (types.VMState, error) {
	if d.vmDir == "" {
		return types.StateNotCreated, nil
	}
	if _, err := os.Stat(d.vmxPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.WithFunc("vmware.ReadState").Infof(ctx, "VMX path doesn't exist, not created: %s", d.vmxPath)
			return types.StateNotCreated, nil
		}
		return "", err
	}

	running, err := d.readRunningVMs(ctx)
	if err != nil {
		return "", err
	}
	target := runningListKey(d.vmxPath)
	for _, line := range running {
		if runningListKey(line) == target {
			return types.StateRunning, nil
		}
	}

	suspended, err := d.suspendFiles()
	if err != nil {
		return "", err
	}
	if len(suspended) > 0 {
		return types.StateSuspended, nil
	}
	return types.StateNotRunning, nil
}

func (d *Driver) readRunningVMs(ctx context.Context) ([]string, error) {
	res, err := d.vmrun(ctx, executor.Options{}, "list")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" || strings.Contains(line, "running VMs:") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// runningListKey normalizes a path for comparison with vmrun list output.
func runningListKey(path string) string {
	switch runtime.GOOS {
	case "windows":
		return strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
	case "darwin":
		return strings.ToLower(path)
	}
	return path
}

func (d *Driver) suspendFiles() ([]string, error) {
	return filepath.Glob(filepath.Join(d.vmDir, "*.vmss"))
}

// Start boots the VM. A hung vmrun surfaces as ErrStartTimeout.
func (d *Driver) Start(ctx context.Context, gui bool) error {
	mode := "nogui"
	if gui {
		mode = "gui"
	}
	_, err := d.vmrun(ctx, executor.Options{Retryable: true, Timeout: d.opts.StartTimeout}, "start", d.vmxPath, mode)
	if executor.IsTimeout(err) {
		return fmt.Errorf("%w: %w", driver.ErrStartTimeout, err)
	}
	return err
}

// Stop powers the VM off. A failed or timed out stop escalates to a hard
// stop once; a failing hard stop is only reported while the VM still runs.
func (d *Driver) Stop(ctx context.Context, mode types.StopMode) error {
	logger := log.WithFunc("vmware.Stop")
	_, err := d.vmrun(ctx, executor.Options{Retryable: true, Timeout: d.opts.StopTimeout}, "stop", d.vmxPath, string(mode))
	if err == nil {
		return nil
	}
	var exitErr *executor.ExitError
	if !errors.As(err, &exitErr) && !executor.IsTimeout(err) {
		return err
	}
	logger.Warnf(ctx, "%s stop of %s failed: %v, forcing hard stop", mode, d.vmxPath, err)

	_, hardErr := d.vmrun(ctx, executor.Options{Retryable: true}, "stop", d.vmxPath, string(types.StopHard))
	if hardErr == nil {
		return nil
	}
	if !errors.As(hardErr, &exitErr) {
		return hardErr
	}
	state, err := d.ReadState(ctx)
	if err != nil {
		return errors.Join(hardErr, err)
	}
	if state == types.StateRunning {
		return hardErr
	}
	logger.Infof(ctx, "hard stop of %s failed but VM is %s: %v", d.vmxPath, state, hardErr)
	return nil
}

// Suspend saves the VM state to disk.
func (d *Driver) Suspend(ctx context.Context) error {
	_, err := d.vmrun(ctx, executor.Options{Retryable: true}, "suspend", d.vmxPath)
	return err
}

// DiscardSuspendedState removes suspend files and the checkpoint keys.
func (d *Driver) DiscardSuspendedState(ctx context.Context) error {
	files, err := d.suspendFiles()
	if err != nil {
		return err
	}
	logger := log.WithFunc("vmware.DiscardSuspendedState")
	for _, f := range files {
		logger.Infof(ctx, "deleting VM state file: %s", f)
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}
	return d.VMXModify(ctx, func(doc *vmx.Document) error {
		doc.Delete("checkpoint.vmState")
		doc.Delete("checkpoint.vmState.readOnly")
		doc.Delete("vmotion.checkpointFBSize")
		return nil
	})
}

// Delete removes the VM directory.
func (d *Driver) Delete(ctx context.Context) error {
	if d.vmDir == "" {
		return nil
	}
	log.WithFunc("vmware.Delete").Infof(ctx, "deleting VM: %s", d.vmDir)
	if err := os.RemoveAll(d.vmDir); err != nil {
		return fmt.Errorf("remove VM dir %s: %w", d.vmDir, err)
	}
	return nil
}

// VMXAlive reports whether the VMX process has not yet shut down cleanly.
func (d *Driver) VMXAlive(ctx context.Context) (bool, error) {
	doc, err := d.readVMX(ctx)
	if err != nil {
		return false, err
	}
	return doc.Value("cleanshutdown") != "TRUE", nil
}
