package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/vmx"
)

var (
	ErrVMXNotFound           = errors.New("VM directory has no VMX file")
	ErrBoxVMXNotFound        = errors.New("box has no VMX file")
	ErrCloneNotDir           = errors.New("clone destination is not a directory")
	ErrCloneFolderExists     = errors.New("could not pick an unused clone folder")
	ErrClonePermission       = errors.New("permission denied copying VM files")
	ErrStartTimeout          = errors.New("VM did not start within the timeout")
	ErrVmnetWontStart        = errors.New("vmnet devices are not healthy")
	ErrDestroyRunning        = errors.New("VM must be stopped before it is destroyed")
	ErrNotCreated            = errors.New("VM has not been created")
	ErrNotRunning            = errors.New("VM is not running")
	ErrNotStopped            = errors.New("VM must be powered off")
	ErrDiskResizeSnapshot    = errors.New("disk cannot be grown while snapshots exist")
	ErrPrimaryDiskMissing    = errors.New("primary disk is not attached")
	ErrHostOnlyCollision     = errors.New("host-only network collides with another device")
	ErrBaseAddressRange      = errors.New("base address is outside the NAT reservation range")
	ErrMissingNATDevice      = errors.New("NAT device not found")
	ErrForwardedPortsCollide = errors.New("forwarded ports collide with existing NAT mappings")
	ErrNoGuestIP             = errors.New("guest IP address could not be determined")
	ErrIPv6Unsupported       = errors.New("IPv6 host-only networks are not supported")
	ErrInvalidProtocol       = errors.New("port forward has an unsupported protocol")
)

// APIError carries a failed helper service call.
type APIError struct {
	Op      string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed (HTTP %d)", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed (HTTP %d): %s", e.Op, e.Code, e.Message)
}

// UpgradeRequiredError means the helper service is too old or too new.
type UpgradeRequiredError struct {
	Version     string
	Requirement string
}

func (e *UpgradeRequiredError) Error() string {
	return fmt.Sprintf("helper service version %s does not satisfy %s", e.Version, e.Requirement)
}

// Host covers operations that are not bound to a single VMX.
type Host interface {
	Verify(ctx context.Context) error
	VerifyVmnet(ctx context.Context) error
	NATDevice() string
	Professional() bool
	UtilityVersion() string

	ReadVmnetDevices(ctx context.Context) ([]types.VmnetDevice, error)
	CreateVmnetDevice(ctx context.Context, subnet, mask string) (*types.VmnetDevice, error)
	ReserveDHCPAddress(ctx context.Context, ip, mac, device string) error
	PruneForwardedPorts(ctx context.Context) error
	AllForwardedPorts(ctx context.Context) ([]int, error)

	// Clone copies sourceVMX's VM into destDir and returns the new VMX path.
	Clone(ctx context.Context, sourceVMX, destDir string, linked bool) (string, error)
	// ForVMX binds the host to a VMX file or a legacy VM directory.
	ForVMX(path string) (Driver, error)
}

// Driver exposes VM-level operations on one VMX file.
type Driver interface {
	Host

	VMXPath() string
	VMDir() string

	ReadState(ctx context.Context) (types.VMState, error)
	Start(ctx context.Context, gui bool) error
	Stop(ctx context.Context, mode types.StopMode) error
	Suspend(ctx context.Context) error
	DiscardSuspendedState(ctx context.Context) error
	Delete(ctx context.Context) error
	Export(ctx context.Context, destVMX string) error
	VMXAlive(ctx context.Context) (bool, error)
	VMXModify(ctx context.Context, fn func(*vmx.Document) error) error
	SuppressMessages(ctx context.Context) error

	ReadIP(ctx context.Context, activeLookup bool) (string, error)
	ReadNetworkAdapters(ctx context.Context) ([]types.NetworkAdapter, error)
	ReadMACAddresses(ctx context.Context) (map[int]string, error)
	SetupAdapters(ctx context.Context, adapters []types.NetworkAdapter, mode types.AllowlistMode, enforce bool) error

	ForwardPorts(ctx context.Context, defs []types.PortForward) error
	ScrubForwardedPorts(ctx context.Context) error
	HostPortForward(ctx context.Context, ip, proto string, guestPort int) (int, bool, error)

	ClearSharedFolders(ctx context.Context) error
	EnableSharedFolders(ctx context.Context) error
	ShareFolder(ctx context.Context, id, hostPath string) error

	SnapshotTake(ctx context.Context, name string) error
	SnapshotDelete(ctx context.Context, name string) error
	SnapshotRevert(ctx context.Context, name string) error
	SnapshotList(ctx context.Context) ([]string, error)
	SnapshotTree(ctx context.Context) ([]string, error)

	GetDisks(ctx context.Context, buses []string) (types.AttachedDisks, error)
	CreateDisk(ctx context.Context, filename string, sizeBytes int64, diskType int, adapter string) (string, error)
	GrowDisk(ctx context.Context, path string, sizeBytes int64) error
	RemoveDisk(ctx context.Context, filename string) error
	AddDiskToVMX(ctx context.Context, filename, slot string, extra map[string]string) error
	RemoveDiskFromVMX(ctx context.Context, filename string, extra []string) error
	GetDiskSize(path string) (int64, bool, error)
	IsLinkedClone(ctx context.Context) (bool, error)
}
