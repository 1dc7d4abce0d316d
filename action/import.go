package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utils"
)

const (
	importFolderAttempts = 10
	exportVMXName        = "box.vmx"
	exportMetadataName   = "metadata.json"
	boxProvider          = "vmware_desktop"
)

var boxVMXRe = regexp.MustCompile(`^(.+?)\.vmx$`)

// Import clones the box VM into a fresh folder and records it as the
// machine's VM. An interrupt during the clone, or an interrupted pipeline
// after it, destroys the partial import.
func Import(ctx context.Context, env *Env, next Next) error {
	logger := log.WithFunc("action.Import")
	m := env.Machine

	parent, err := importParent(env)
	if err != nil {
		return err
	}
	folder, err := uniqueFolder(parent)
	if err != nil {
		return err
	}
	source, err := boxVMX(m)
	if err != nil {
		return err
	}
	logger.Debugf(ctx, "cloning into: %s", folder)
	logger.Infof(ctx, "cloning VMware VM: %s (vmx %s)", filepath.Base(m.Box), source)

	vmxPath, err := env.Host.Clone(ctx, source, folder, m.Provider.LinkedCloneEnabled())
	if err != nil {
		_ = os.RemoveAll(folder)
		return err
	}
	if err := env.setMachineID(vmxPath); err != nil {
		return err
	}
	if env.interrupted(ctx) {
		return errors.Join(ErrInterrupted, destroyImport(ctx, env))
	}

	drv, err := env.Driver()
	if err != nil {
		return err
	}
	if err := drv.SuppressMessages(ctx); err != nil {
		return err
	}

	err = next(ctx)
	if err != nil && env.interrupted(ctx) {
		return errors.Join(err, destroyImport(ctx, env))
	}
	return err
}

// destroyImport undoes an import at most once. It runs detached from ctx,
// which is usually already cancelled.
func destroyImport(ctx context.Context, env *Env) error {
	if env.importDestroyed {
		return nil
	}
	env.importDestroyed = true
	log.WithFunc("action.destroyImport").Warnf(ctx, "destroying partially imported VM")
	env.ForceHalt = true
	return run(context.WithoutCancel(ctx), env, destroySteps())
}

func importParent(env *Env) (string, error) {
	parent := env.Conf.CloneTarget(env.Machine.Name)
	if dir := env.Machine.Provider.CloneDirectory; dir != "" {
		parent = dir
	}
	parent, err := filepath.Abs(parent)
	if err != nil {
		return "", err
	}
	if err := utils.EnsureDirs(parent); err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(parent)
}

// uniqueFolder creates an unused uuid-named directory under parent.
func uniqueFolder(parent string) (string, error) {
	for range importFolderAttempts {
		dir := filepath.Join(parent, utils.NewUUID())
		if utils.Exists(dir) {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil { //nolint:mnd
			return "", fmt.Errorf("create import folder: %w", err)
		}
		return dir, nil
	}
	return "", driver.ErrCloneFolderExists
}

// boxVMX picks the box's VMX: the configured file, else the first *.vmx in
// the box directory.
func boxVMX(m *types.Machine) (string, error) {
	var path string
	if m.VMXFile != "" {
		path = filepath.Join(m.Box, m.VMXFile)
	} else {
		entries, err := os.ReadDir(m.Box)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read box %s: %w", m.Box, err)
		}
		for _, e := range entries {
			if !e.IsDir() && boxVMXRe.MatchString(e.Name()) {
				path = filepath.Join(m.Box, e.Name())
				break
			}
		}
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s", driver.ErrBoxVMXNotFound, m.Box)
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: %s", driver.ErrBoxVMXNotFound, path)
	}
	return path, nil
}

// Export copies the stopped VM into ExportDir as a box.
func Export(ctx context.Context, env *Env, next Next) error {
	state, err := env.State(ctx)
	if err != nil {
		return err
	}
	if state != types.StateNotRunning {
		return fmt.Errorf("%w: VM is %s", driver.ErrNotStopped, state)
	}
	if err := utils.EnsureDirs(env.ExportDir); err != nil {
		return err
	}
	drv, _ := env.Driver()
	log.WithFunc("action.Export").Infof(ctx, "exporting VM to %s", env.ExportDir)
	if err := drv.Export(ctx, filepath.Join(env.ExportDir, exportVMXName)); err != nil {
		return err
	}
	meta, err := json.Marshal(map[string]string{"provider": boxProvider})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(env.ExportDir, exportMetadataName), meta, 0o644); err != nil { //nolint:gosec,mnd
		return fmt.Errorf("write box metadata: %w", err)
	}
	return next(ctx)
}

func removeAll(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
