package vmware

import (
	"context"
	"regexp"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/vmx"
)

var sharedFolderKeyRe = regexp.MustCompile(`^sharedfolder\d+\.`)

// ClearSharedFolders drops every shared folder definition from the VMX.
func (d *Driver) ClearSharedFolders(ctx context.Context) error {
	log.WithFunc("vmware.ClearSharedFolders").Infof(ctx, "clearing shared folders")
	return d.VMXModify(ctx, func(doc *vmx.Document) error {
		doc.DeleteMatching(sharedFolderKeyRe, nil)
		doc.Set("sharedfolder.maxnum", "0")
		return nil
	})
}

// EnableSharedFolders turns on folder sharing for the running VM.
func (d *Driver) EnableSharedFolders(ctx context.Context) error {
	_, err := d.vmrun(ctx, executor.Options{Retryable: true}, "enableSharedFolders", d.vmxPath)
	return err
}

// ShareFolder exposes hostPath to the guest as a writable folder named id.
func (d *Driver) ShareFolder(ctx context.Context, id, hostPath string) error {
	log.WithFunc("vmware.ShareFolder").Infof(ctx, "adding shared folder %q: %s", id, hostPath)
	if _, err := d.vmrun(ctx, executor.Options{}, "addSharedFolder", d.vmxPath, id, hostPath); err != nil {
		return err
	}
	_, err := d.vmrun(ctx, executor.Options{}, "setSharedFolderState", d.vmxPath, id, hostPath, "writable")
	return err
}
