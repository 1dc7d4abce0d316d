package vmware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/utils"
	"github.com/cocoonstack/vmxdriver/vmx"
)

// unsupportedLinkedClone is what vmrun prints when the product cannot link clones.
const unsupportedLinkedClone = "parameters was invalid"

const fusionPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>disallowUpgrade</key>
	<true/>
</dict>
</plist>
`

// Clone places a copy of the VM owning sourceVMX inside destDir and returns
// the new VMX path. Linked clones degrade to a full copy when the product
// rejects them.
func (h *Host) Clone(ctx context.Context, sourceVMX, destDir string, linked bool) (string, error) {
	logger := log.WithFunc("vmware.Clone")
	if linked && !h.linkedCloneAllowed() {
		logger.Warnf(ctx, "disabling linked clone, license %q does not support it", h.license)
		linked = false
	}

	destVMX := filepath.Join(destDir, filepath.Base(sourceVMX))
	cloned := false
	if linked {
		logger.Infof(ctx, "linked clone %s -> %s", sourceVMX, destVMX)
		_, err := h.vmrun(ctx, executor.Options{}, "clone", sourceVMX, destVMX, "linked")
		var exitErr *executor.ExitError
		switch {
		case err == nil:
			cloned = true
		case errors.As(err, &exitErr) && strings.Contains(exitErr.Stdout, unsupportedLinkedClone):
			logger.Warnf(ctx, "VMware version doesn't support linked clones, falling back")
		default:
			return "", err
		}
	}

	if !cloned {
		if err := copyVM(ctx, filepath.Dir(sourceVMX), destDir); err != nil {
			return "", err
		}
	}
	if err := cloneCleanup(ctx, destVMX); err != nil {
		return "", err
	}
	return destVMX, nil
}

// copyVM copies every entry of srcDir into destDir, re-checking after each
// entry that destDir is still a directory.
func copyVM(ctx context.Context, srcDir, destDir string) error {
	logger := log.WithFunc("vmware.copyVM")
	if !utils.IsDir(destDir) {
		return fmt.Errorf("%w: %s", driver.ErrCloneNotDir, destDir)
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", srcDir, err)
	}
	logger.Infof(ctx, "cloning VM to %s by direct copy", destDir)
	for _, e := range entries {
		logger.Debugf(ctx, "copying: %s", e.Name())
		if err := utils.CopyInto(filepath.Join(srcDir, e.Name()), destDir); err != nil {
			if utils.IsPermission(err) {
				return fmt.Errorf("%w: %s: %w", driver.ErrClonePermission, destDir, err)
			}
			return fmt.Errorf("copy %s: %w", e.Name(), err)
		}
		if !utils.IsDir(destDir) {
			return fmt.Errorf("%w: %s", driver.ErrCloneNotDir, destDir)
		}
	}
	return nil
}

// cloneCleanup drops stale lock files and makes the copy look like a new VM.
func cloneCleanup(ctx context.Context, destVMX string) error {
	dir := filepath.Dir(destVMX)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".lck" {
			continue
		}
		log.WithFunc("vmware.cloneCleanup").Debugf(ctx, "deleting lock file: %s", e.Name())
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("remove lock %s: %w", e.Name(), err)
		}
	}
	return vmx.Modify(ctx, destVMX, func(doc *vmx.Document) error {
		// fresh UUID avoids the "moved or copied" dialog
		doc.Set("uuid.action", "create")
		doc.Set("msg.autoanswer", "true")
		return nil
	})
}

// Export writes a full, independent clone of the VM to destVMX.
func (d *Driver) Export(ctx context.Context, destVMX string) error {
	logger := log.WithFunc("vmware.Export")
	logger.Debugf(ctx, "full clone export to: %s", destVMX)
	if _, err := d.vmrun(ctx, executor.Options{}, "clone", d.vmxPath, destVMX, "full"); err != nil {
		return err
	}
	if err := cloneCleanup(ctx, destVMX); err != nil {
		return err
	}
	logger.Debugf(ctx, "full clone export complete %s -> %s", d.vmxPath, destVMX)
	return nil
}

// SuppressMessages disables the upgrade prompt on Fusion.
func (d *Driver) SuppressMessages(_ context.Context) error {
	if !strings.Contains(d.product, "fusion") || d.vmxPath == "" {
		return nil
	}
	plist := strings.TrimSuffix(d.vmxPath, ".vmx") + ".plist"
	if err := os.WriteFile(plist, []byte(fusionPlist), 0o644); err != nil { //nolint:gosec,mnd
		return fmt.Errorf("write %s: %w", plist, err)
	}
	return nil
}
