package action

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/checkpoint"
	"github.com/cocoonstack/vmxdriver/disk"
	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/vmx"
)

const (
	defaultVMXHaltTimeout = 60 * time.Second
	vmxHaltPoll           = time.Second
	addressPoll           = time.Second
)

// CheckVMware verifies the helper service once per command.
func CheckVMware(ctx context.Context, env *Env, next Next) error {
	if !env.vmwareChecked {
		if err := env.Host.Verify(ctx); err != nil {
			return err
		}
		env.vmwareChecked = true
	}
	return next(ctx)
}

// SetDisplayName names the VM "<project>: <machine>" in the hypervisor UI.
func SetDisplayName(ctx context.Context, env *Env, next Next) error {
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	name := env.Machine.DisplayName()
	log.WithFunc("action.SetDisplayName").Infof(ctx, "setting the default display name: %s", name)
	if err := drv.VMXModify(ctx, func(doc *vmx.Document) error {
		doc.Set("displayName", name)
		return nil
	}); err != nil {
		return err
	}
	return next(ctx)
}

// DiscardSuspendedState drops any suspend image of a created VM.
func DiscardSuspendedState(ctx context.Context, env *Env, next Next) error {
	state, err := env.State(ctx)
	if err != nil {
		return err
	}
	if state == types.StateSuspended {
		log.WithFunc("action.DiscardSuspendedState").Infof(ctx, "discarding suspended state")
	}
	if state.Created() {
		drv, _ := env.Driver()
		if err := drv.DiscardSuspendedState(ctx); err != nil {
			return err
		}
	}
	return next(ctx)
}

// Halt stops a running VM, hard when ForceHalt is set.
func Halt(ctx context.Context, env *Env, next Next) error {
	state, err := env.State(ctx)
	if err != nil {
		return err
	}
	if state == types.StateRunning {
		mode := types.StopSoft
		if env.ForceHalt {
			mode = types.StopHard
		}
		log.WithFunc("action.Halt").Infof(ctx, "stopping the VMware VM (%s)", mode)
		drv, _ := env.Driver()
		if err := drv.Stop(ctx, mode); err != nil {
			return err
		}
	}
	return next(ctx)
}

// GracefulHalt tries a soft stop first unless ForceHalt is set. A VM still
// running afterwards loses its suspend state and is halted.
func GracefulHalt(ctx context.Context, env *Env, next Next) error {
	if !env.ForceHalt {
		logger := log.WithFunc("action.GracefulHalt")
		drv, err := env.Driver()
		if err != nil {
			return err
		}
		logger.Infof(ctx, "attempting graceful shutdown of VM")
		if err := drv.Stop(ctx, types.StopSoft); err != nil {
			logger.Warnf(ctx, "graceful shutdown failed: %v", err)
		}
		state, err := env.State(ctx)
		if err != nil {
			return err
		}
		if state != types.StateRunning {
			return next(ctx)
		}
	}
	return run(ctx, env, []Step{DiscardSuspendedState, Halt, then(next)})
}

// WaitForVMXHalt waits for the VMX process to record a clean shutdown,
// watching the VM directory for changes with a bounded wait.
func WaitForVMXHalt(ctx context.Context, env *Env, next Next) error {
	logger := log.WithFunc("action.WaitForVMXHalt")
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	alive, err := drv.VMXAlive(ctx)
	if err != nil {
		return err
	}
	if alive {
		logger.Infof(ctx, "waiting for the VMX process to go away")
		timeout := env.vmxHaltTimeout
		if timeout <= 0 {
			timeout = defaultVMXHaltTimeout
		}
		if waitVMXHalt(ctx, drv, timeout) {
			logger.Infof(ctx, "VMX process went away")
		} else {
			logger.Warnf(ctx, "VMX process still alive after %s, continuing", timeout)
		}
	}
	return next(ctx)
}

func waitVMXHalt(ctx context.Context, drv driver.Driver, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close() //nolint:errcheck
		if err := w.Add(drv.VMDir()); err == nil {
			events = w.Events
		}
	}
	ticker := time.NewTicker(vmxHaltPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-events:
		case <-ticker.C:
		}
		if alive, err := drv.VMXAlive(ctx); err == nil && !alive {
			return true
		}
	}
}

// Destroy deletes a stopped VM and forgets its private data.
func Destroy(ctx context.Context, env *Env, next Next) error {
	state, err := env.State(ctx)
	if err != nil {
		return err
	}
	if state == types.StateRunning {
		return driver.ErrDestroyRunning
	}
	if state.Created() {
		log.WithFunc("action.Destroy").Infof(ctx, "deleting the VM")
		drv, _ := env.Driver()
		if err := drv.Delete(ctx); err != nil {
			return err
		}
		if err := env.setMachineID(""); err != nil {
			return err
		}
		if err := removeAll(env.Conf.ForwardedPorts(env.Machine.Name), env.Conf.DiskMetaFile(env.Machine.Name)); err != nil {
			return err
		}
	}
	return next(ctx)
}

// Suspend saves a running VM to disk.
func Suspend(ctx context.Context, env *Env, next Next) error {
	state, err := env.State(ctx)
	if err != nil {
		return err
	}
	if state == types.StateRunning {
		log.WithFunc("action.Suspend").Infof(ctx, "suspending the VMware VM")
		drv, _ := env.Driver()
		if err := drv.Suspend(ctx); err != nil {
			return err
		}
	}
	return next(ctx)
}

// Boot starts the VM.
func Boot(ctx context.Context, env *Env, next Next) error {
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	log.WithFunc("action.Boot").Infof(ctx, "starting the VMware VM")
	if err := drv.Start(ctx, env.Machine.Provider.GUI); err != nil {
		return err
	}
	return next(ctx)
}

// WaitForAddress blocks until the guest reports an IP address. An
// interrupt ends the pipeline quietly.
func WaitForAddress(ctx context.Context, env *Env, next Next) error {
	logger := log.WithFunc("action.WaitForAddress")
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	logger.Infof(ctx, "waiting for the VM to receive an address")
	deadline := time.Time{}
	if env.addressTimeout > 0 {
		deadline = time.Now().Add(env.addressTimeout)
	}
	for {
		if env.interrupted(ctx) {
			logger.Infof(ctx, "interrupted while waiting for an address")
			return nil
		}
		ip, err := drv.ReadIP(ctx, env.Machine.Provider.VmrunIPLookup())
		if err != nil {
			logger.Debugf(ctx, "read ip: %v", err)
		}
		if ip != "" {
			logger.Infof(ctx, "VM address: %s", ip)
			return next(ctx)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return driver.ErrNoGuestIP
		}
		if err := env.pause(ctx, addressPoll); err != nil {
			return nil //nolint:nilerr // interrupted
		}
	}
}

// VMXModify applies the user's VMX overrides; a nil value deletes the key.
func VMXModify(ctx context.Context, env *Env, next Next) error {
	changes := env.Machine.Provider.VMX
	if len(changes) > 0 {
		logger := log.WithFunc("action.VMXModify")
		drv, err := env.Driver()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(changes))
		for k := range changes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		logger.Infof(ctx, "modifying VMX file according to user config")
		if err := drv.VMXModify(ctx, func(doc *vmx.Document) error {
			for _, k := range keys {
				if v := changes[k]; v != nil {
					logger.Infof(ctx, "  - set: %s = %q", k, *v)
					doc.Set(k, *v)
				} else {
					logger.Infof(ctx, "  - delete: %s", k)
					doc.Delete(k)
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return next(ctx)
}

// ClearSharedFolders removes shared folders left by the previous boot.
func ClearSharedFolders(ctx context.Context, env *Env, next Next) error {
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	if err := drv.ClearSharedFolders(ctx); err != nil {
		return err
	}
	return next(ctx)
}

// ShareFolders adds the synced folders once the VM is running, shortest
// guest path first.
func ShareFolders(ctx context.Context, env *Env, next Next) error {
	if err := next(ctx); err != nil {
		return err
	}
	logger := log.WithFunc("action.ShareFolders")
	folders := env.Machine.ActiveSyncedFolders()
	if len(folders) == 0 {
		logger.Infof(ctx, "no shared folders, doing nothing")
		return nil
	}
	sort.SliceStable(folders, func(i, j int) bool {
		return guestPathLen(folders[i]) < guestPathLen(folders[j])
	})
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	logger.Infof(ctx, "enabling and configuring shared folders")
	if err := drv.EnableSharedFolders(ctx); err != nil {
		return err
	}
	special := env.Machine.Provider.SharedFolderSpecialChar
	for _, f := range folders {
		id := strings.ReplaceAll(f.ID, "/", special)
		logger.Infof(ctx, "  - %s: %s", f.HostPath, f.GuestPath)
		if err := drv.ShareFolder(ctx, id, f.HostPath); err != nil {
			return err
		}
	}
	return nil
}

func guestPathLen(f types.SyncedFolder) int {
	if f.GuestPath == "" {
		return 10000 //nolint:mnd
	}
	return len(f.GuestPath)
}

// CleanupDisks detaches disks recorded by the last run that are no longer declared.
func CleanupDisks(ctx context.Context, env *Env, next Next) error {
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	path := env.Conf.DiskMetaFile(env.Machine.Name)
	meta, err := disk.LoadMeta(path)
	if err != nil {
		return err
	}
	if err := disk.Cleanup(ctx, drv, env.Machine.Disks, meta); err != nil {
		return err
	}
	if err := removeAll(path); err != nil {
		return err
	}
	return next(ctx)
}

// Disks reconciles declared disks and records the result for CleanupDisks.
func Disks(ctx context.Context, env *Env, next Next) error {
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	meta, err := disk.Configure(ctx, drv, env.Machine.Disks)
	if err != nil {
		return err
	}
	if !meta.Empty() {
		if err := disk.SaveMeta(env.Conf.DiskMetaFile(env.Machine.Name), meta); err != nil {
			return err
		}
	}
	return next(ctx)
}

// SnapshotSave takes the snapshot named in the environment.
func SnapshotSave(ctx context.Context, env *Env, next Next) error {
	return snapshotStep(ctx, env, next, "saving", driver.Driver.SnapshotTake)
}

// SnapshotRestore reverts to the snapshot named in the environment.
func SnapshotRestore(ctx context.Context, env *Env, next Next) error {
	return snapshotStep(ctx, env, next, "restoring", driver.Driver.SnapshotRevert)
}

// SnapshotDelete deletes the snapshot named in the environment.
func SnapshotDelete(ctx context.Context, env *Env, next Next) error {
	return snapshotStep(ctx, env, next, "deleting", driver.Driver.SnapshotDelete)
}

func snapshotStep(ctx context.Context, env *Env, next Next, verb string, op func(driver.Driver, context.Context, string) error) error {
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	name := strings.TrimSpace(env.SnapshotName)
	if name == "" {
		return ErrSnapshotName
	}
	log.WithFunc("action.Snapshot").Infof(ctx, "%s snapshot: %s", verb, name)
	if err := op(drv, ctx, name); err != nil {
		return err
	}
	return next(ctx)
}

// MessageNotCreated reports that there is nothing to act on.
func MessageNotCreated(ctx context.Context, _ *Env, next Next) error {
	log.WithFunc("action.MessageNotCreated").Infof(ctx, "VM not created, moving on")
	return next(ctx)
}

// MessageAlreadyRunning reports that the VM is up.
func MessageAlreadyRunning(ctx context.Context, _ *Env, next Next) error {
	log.WithFunc("action.MessageAlreadyRunning").Infof(ctx, "VM is already running")
	return next(ctx)
}

// Checkpoint shows the background update check results once per command.
func Checkpoint(ctx context.Context, env *Env, next Next) error {
	if env.Checkpoint != nil && !env.checkpointDone {
		logger := log.WithFunc("action.Checkpoint")
		results, complete := env.Checkpoint.Wait(ctx, env.Conf.CheckpointTimeout())
		if !complete {
			logger.Debugf(ctx, "checkpoint did not complete in time")
		}
		for _, r := range results {
			if r.Outdated() {
				logger.Infof(ctx, "a new version of %s is available: %s (installed %s) %s",
					r.Product, r.CurrentVersion, r.InstalledVersion, r.CurrentDownloadURL)
			}
			for _, a := range r.Alerts {
				switch a.Level {
				case checkpoint.LevelCritical, checkpoint.LevelWarn:
					logger.Warnf(ctx, "%s alert: %s %s", r.Product, a.Message, a.URL)
				default:
					logger.Infof(ctx, "%s notice: %s %s", r.Product, a.Message, a.URL)
				}
			}
		}
		env.checkpointDone = true
	}
	return next(ctx)
}
