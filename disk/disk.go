// Package disk reconciles declared disks and DVDs with the devices attached
// to a VM.
package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/slots"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utils"
)

const (
	DefaultExt           = "vmdk"
	DefaultBus           = slots.BusSCSI
	DefaultDVDBus        = slots.BusIDE
	DefaultDVDDeviceType = "cdrom-image"
	DefaultAdapterType   = "lsilogic"
	// DefaultDiskType is a single growable virtual disk.
	DefaultDiskType = 0
)

// AdapterTypes are the controller types vdiskmanager accepts.
var AdapterTypes = []string{"ide", "buslogic", "lsilogic", "pvscsi"}

// Split and sparse extents of a disk named "data.vmdk" are "data-s001.vmdk",
// "data-f001.vmdk", "data-flat.vmdk" or "data-delta.vmdk".
var extentSuffixRe = regexp.MustCompile(`-(f\d*|s\d*|flat|delta)(\.vmdk)$`)

// Driver is the part of driver.Driver used for reconciliation.
type Driver interface {
	VMDir() string
	GetDisks(ctx context.Context, buses []string) (types.AttachedDisks, error)
	CreateDisk(ctx context.Context, filename string, sizeBytes int64, diskType int, adapter string) (string, error)
	GrowDisk(ctx context.Context, path string, sizeBytes int64) error
	RemoveDisk(ctx context.Context, filename string) error
	AddDiskToVMX(ctx context.Context, filename, slot string, extra map[string]string) error
	RemoveDiskFromVMX(ctx context.Context, filename string, extra []string) error
	GetDiskSize(path string) (int64, bool, error)
	IsLinkedClone(ctx context.Context) (bool, error)
	SnapshotList(ctx context.Context) ([]string, error)
}

var _ Driver = driver.Driver(nil)

// reconciler tracks attachments made during one pass so later disks see
// the slots taken by earlier ones.
type reconciler struct {
	drv      Driver
	attached types.AttachedDisks
}

// Configure creates, attaches or grows every declared disk and attaches
// declared DVDs. The returned metadata feeds the next Cleanup.
func Configure(ctx context.Context, drv Driver, disks []types.DiskConfig) (types.DiskMeta, error) {
	logger := log.WithFunc("disk.Configure")
	var meta types.DiskMeta
	if len(disks) == 0 {
		return meta, nil
	}
	attached, err := drv.GetDisks(ctx, slots.BusTypes)
	if err != nil {
		return meta, err
	}
	r := &reconciler{drv: drv, attached: attached}
	for _, d := range disks {
		switch d.Type {
		case types.DiskTypeDisk:
			entry, err := r.setupDisk(ctx, d)
			if err != nil {
				return meta, err
			}
			meta.Disk = append(meta.Disk, entry)
		case types.DiskTypeDVD:
			entry, err := r.setupDVD(ctx, d)
			if err != nil {
				return meta, err
			}
			meta.DVD = append(meta.DVD, entry)
		case types.DiskTypeFloppy:
			logger.Warnf(ctx, "floppy disks are not supported, skipping %s", d.Name)
		default:
			logger.Infof(ctx, "invalid disk type %q, carrying on", d.Type)
		}
	}
	return meta, nil
}

// Cleanup detaches disks and DVDs recorded in meta that are no longer
// declared. Primary disks are never removed.
func Cleanup(ctx context.Context, drv Driver, disks []types.DiskConfig, meta types.DiskMeta) error {
	logger := log.WithFunc("disk.Cleanup")
	if meta.Empty() {
		return nil
	}
	declared := func(name string) bool {
		return slices.ContainsFunc(disks, func(d types.DiskConfig) bool { return d.Name == name })
	}
	for _, e := range meta.Disk {
		if e.Primary {
			logger.Warnf(ctx, "primary disk %s is no longer declared and will not be removed", e.Name)
			continue
		}
		if declared(e.Name) {
			continue
		}
		logger.Infof(ctx, "removing disk %s (%s)", e.Name, e.Path)
		if err := drv.RemoveDisk(ctx, filepath.Base(e.Path)); err != nil {
			return fmt.Errorf("remove disk %s: %w", e.Name, err)
		}
	}
	for _, e := range meta.DVD {
		if declared(e.Name) {
			continue
		}
		logger.Infof(ctx, "detaching dvd %s (%s)", e.Name, e.Path)
		if err := drv.RemoveDiskFromVMX(ctx, e.Path, []string{"deviceType"}); err != nil {
			return fmt.Errorf("detach dvd %s: %w", e.Name, err)
		}
	}
	return nil
}

func (r *reconciler) setupDisk(ctx context.Context, d types.DiskConfig) (types.DiskEntry, error) {
	logger := log.WithFunc("disk.setupDisk")
	entry := types.DiskEntry{UUID: d.ID, Name: d.Name, Primary: d.Primary}

	current := r.find(d)
	if current == nil {
		if d.Primary {
			return entry, driver.ErrPrimaryDiskMissing
		}
		path, err := r.create(ctx, d)
		if err != nil {
			return entry, err
		}
		entry.Path = path
		return entry, nil
	}

	entry.Path = r.path(NormalizeFilename(current["filename"]))
	size, ok, err := r.drv.GetDiskSize(entry.Path)
	switch {
	case err != nil:
		return entry, err
	case !ok:
		logger.Warnf(ctx, "disk file %s not found, not resizing %s", entry.Path, d.Name)
	case d.SizeBytes > size:
		if d.Primary {
			linked, err := r.drv.IsLinkedClone(ctx)
			if err != nil {
				return entry, err
			}
			if linked {
				logger.Warnf(ctx, "not growing primary disk %s, guest is a linked clone", d.Name)
				return entry, nil
			}
		}
		if err := r.grow(ctx, entry.Path, d.SizeBytes); err != nil {
			return entry, err
		}
	case d.SizeBytes < size:
		logger.Warnf(ctx, "not shrinking disk %s from %s to %s", d.Name,
			units.BytesSize(float64(size)), units.BytesSize(float64(d.SizeBytes)))
	default:
		logger.Infof(ctx, "not changing disk %s", d.Name)
	}
	return entry, nil
}

func (r *reconciler) setupDVD(ctx context.Context, d types.DiskConfig) (types.DiskEntry, error) {
	bus := validOr(ctx, "bus type", d.Bus, slots.BusTypes, DefaultDVDBus)
	if r.find(d) == nil {
		slot := slots.NextDiskSlot(bus, r.occupied())
		deviceType := d.DeviceType
		if deviceType == "" {
			deviceType = DefaultDVDDeviceType
		}
		if err := r.drv.AddDiskToVMX(ctx, d.File, slot, map[string]string{"deviceType": deviceType}); err != nil {
			return types.DiskEntry{}, err
		}
		r.attached[slot] = map[string]string{"filename": d.File}
	}
	return types.DiskEntry{UUID: d.ID, Name: d.Name, Path: d.File, Primary: d.Primary}, nil
}

// create makes a new disk, or uses d.File when it exists, and attaches it
// at the next free slot on its bus.
func (r *reconciler) create(ctx context.Context, d types.DiskConfig) (string, error) {
	bus := validOr(ctx, "bus type", d.Bus, slots.BusTypes, DefaultBus)
	path := d.File
	if path == "" || !utils.Exists(path) {
		adapter := validOr(ctx, "adapter type", d.Adapter, AdapterTypes, DefaultAdapterType)
		created, err := r.drv.CreateDisk(ctx, d.Name+"."+ext(d), d.SizeBytes, DefaultDiskType, adapter)
		if err != nil {
			return "", err
		}
		path = created
	}

	slot := slots.NextDiskSlot(bus, r.occupied())
	filename := path
	if filepath.Dir(path) == filepath.Clean(r.drv.VMDir()) {
		filename = filepath.Base(path)
	}
	if err := r.drv.AddDiskToVMX(ctx, filename, slot, nil); err != nil {
		return "", err
	}
	r.attached[slot] = map[string]string{"filename": filename}
	return path, nil
}

func (r *reconciler) grow(ctx context.Context, path string, size int64) error {
	snapshots, err := r.drv.SnapshotList(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) > 0 {
		return fmt.Errorf("%w: %s", driver.ErrDiskResizeSnapshot, path)
	}
	log.WithFunc("disk.grow").Infof(ctx, "growing %s to %s", path, units.BytesSize(float64(size)))
	return r.drv.GrowDisk(ctx, path, size)
}

// find locates the attached device for d: the first present primary slot
// for a primary disk, the file for a DVD, and name.ext or name-N.ext otherwise.
func (r *reconciler) find(d types.DiskConfig) map[string]string {
	if d.Primary {
		for _, slot := range slots.PrimaryDiskSlots {
			if attrs, ok := r.attached[slot]; ok && strings.EqualFold(attrs["present"], "TRUE") {
				return attrs
			}
		}
		return nil
	}

	keys := make([]string, 0, len(r.attached))
	for k := range r.attached {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	if d.Type == types.DiskTypeDVD {
		for _, k := range keys {
			if r.attached[k]["filename"] == d.File {
				return r.attached[k]
			}
		}
		return nil
	}

	numbered := regexp.MustCompile(`^` + regexp.QuoteMeta(d.Name) + `-\d+$`)
	for _, k := range keys {
		name := filepath.Base(r.attached[k]["filename"])
		e := filepath.Ext(name)
		stem := strings.TrimSuffix(name, e)
		if strings.TrimPrefix(e, ".") == ext(d) && (stem == d.Name || numbered.MatchString(stem)) {
			return r.attached[k]
		}
	}
	return nil
}

func (r *reconciler) occupied() []string {
	out := make([]string, 0, len(r.attached))
	for k := range r.attached {
		out = append(out, k)
	}
	return out
}

func (r *reconciler) path(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(r.drv.VMDir(), filename)
}

// NormalizeFilename maps an extent file name back to its descriptor.
func NormalizeFilename(name string) string {
	return extentSuffixRe.ReplaceAllString(name, "$2")
}

func ext(d types.DiskConfig) string {
	if d.Ext != "" {
		return d.Ext
	}
	return DefaultExt
}

func validOr(ctx context.Context, what, value string, valid []string, def string) string {
	if value == "" {
		return def
	}
	if slices.Contains(valid, value) {
		return value
	}
	log.WithFunc("disk.validOr").Warnf(ctx, "%s %q is not valid, should be one of %s; using %s",
		what, value, strings.Join(valid, ", "), def)
	return def
}
