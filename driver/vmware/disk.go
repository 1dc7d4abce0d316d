package vmware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/docker/go-units"

	"github.com/cocoonstack/vmxdriver/slots"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utils"
	"github.com/cocoonstack/vmxdriver/vmx"
)

const (
	sectorSize = 512

	extentHeader   = "# Extent description"
	parentHintKey  = "parentFileNameHint"
	maxDescriptor  = 1 << 20
	filenameSuffix = ".filename"
)

var diskKeyRe = regexp.MustCompile(`^([a-z]+\d+:\d+)\.(.+)$`)

// GetDisks groups the attributes of attached devices on the given bus
// families by address.
func (d *Driver) GetDisks(ctx context.Context, buses []string) (types.AttachedDisks, error) {
	doc, err := d.readVMX(ctx)
	if err != nil {
		return nil, err
	}
	out := types.AttachedDisks{}
	for _, k := range doc.Keys() {
		m := diskKeyRe.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		addr, ok := slots.ParseAddress(m[1])
		if !ok || !slices.Contains(buses, addr.Bus) {
			continue
		}
		if out[m[1]] == nil {
			out[m[1]] = map[string]string{}
		}
		out[m[1]][m[2]] = doc.Value(k)
	}
	return out, nil
}

// CreateDisk creates filename next to the VMX and returns its path.
func (d *Driver) CreateDisk(ctx context.Context, filename string, sizeBytes int64, diskType int, adapter string) (string, error) {
	path := filepath.Join(d.vmDir, filename)
	_, err := d.vdiskmanager(ctx, "-c", "-s", megabytes(sizeBytes), "-t", strconv.Itoa(diskType), "-a", adapter, path)
	if err != nil {
		return "", err
	}
	return path, nil
}

// GrowDisk extends the disk at path to sizeBytes.
func (d *Driver) GrowDisk(ctx context.Context, path string, sizeBytes int64) error {
	_, err := d.vdiskmanager(ctx, "-x", megabytes(sizeBytes), path)
	return err
}

// RemoveDisk deletes filename and detaches it from the VMX.
func (d *Driver) RemoveDisk(ctx context.Context, filename string) error {
	path := filepath.Join(d.vmDir, filename)
	if utils.Exists(path) {
		if _, err := d.vdiskmanager(ctx, "-U", path); err != nil {
			return err
		}
	}
	return d.RemoveDiskFromVMX(ctx, filename, nil)
}

// AddDiskToVMX attaches filename at slot with optional extra attributes.
func (d *Driver) AddDiskToVMX(ctx context.Context, filename, slot string, extra map[string]string) error {
	controller, _, _ := strings.Cut(slot, ":")
	return d.VMXModify(ctx, func(doc *vmx.Document) error {
		doc.Set(controller+".present", "TRUE")
		doc.Set(slot+filenameSuffix, filename)
		doc.Set(slot+".present", "TRUE")
		for k, v := range extra {
			doc.Set(slot+"."+k, v)
		}
		return nil
	})
}

// RemoveDiskFromVMX detaches the device whose file is filename. Unknown
// files are ignored.
func (d *Driver) RemoveDiskFromVMX(ctx context.Context, filename string, extra []string) error {
	return d.VMXModify(ctx, func(doc *vmx.Document) error {
		var slot string
		for _, k := range doc.Keys() {
			if strings.HasSuffix(k, filenameSuffix) && doc.Value(k) == filename {
				slot = strings.TrimSuffix(k, filenameSuffix)
				break
			}
		}
		if slot == "" {
			return nil
		}
		doc.Delete(slot + filenameSuffix)
		doc.Delete(slot + ".present")
		for _, opt := range extra {
			doc.Delete(slot + "." + opt)
		}
		return nil
	})
}

// GetDiskSize sums the extent sizes declared in a VMDK descriptor.
// ok is false when path does not exist.
func (d *Driver) GetDiskSize(path string) (size int64, ok bool, err error) {
	f, err := os.Open(path) //nolint:gosec // disk inside the VM directory
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close() //nolint:errcheck

	inExtents := false
	err = scanDescriptor(f, func(line string) bool {
		if strings.Contains(line, extentHeader) {
			inExtents = true
			return true
		}
		if !inExtents {
			return true
		}
		if line == "" {
			return false
		}
		fields := strings.Fields(line)
		if len(fields) > 1 {
			sectors, _ := strconv.ParseInt(fields[1], 10, 64)
			size += sectors * sectorSize
		}
		return true
	})
	return size, true, err
}

// IsLinkedClone reports whether the primary disk references a parent disk.
func (d *Driver) IsLinkedClone(ctx context.Context) (bool, error) {
	disks, err := d.GetDisks(ctx, slots.BusTypes)
	if err != nil {
		return false, err
	}
	for _, slot := range slots.PrimaryDiskSlots {
		attrs, ok := disks[slot]
		if !ok || !strings.EqualFold(attrs["present"], "TRUE") || attrs["filename"] == "" {
			continue
		}
		path := attrs["filename"]
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.vmDir, path)
		}
		return hasParentHint(path)
	}
	return false, nil
}

func hasParentHint(path string) (bool, error) {
	f, err := os.Open(path) //nolint:gosec // disk inside the VM directory
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close() //nolint:errcheck

	found := false
	err = scanDescriptor(f, func(line string) bool {
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(key) == parentHintKey {
			found = strings.Trim(strings.TrimSpace(value), `"`) != ""
			return false
		}
		return true
	})
	return found, err
}

// scanDescriptor feeds valid UTF-8 lines of a descriptor to fn until fn
// returns false. Monolithic disks embed the descriptor in binary data, so
// invalid lines are skipped and an over-long line ends the scan.
func scanDescriptor(f *os.File, fn func(line string) bool) error {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxDescriptor) //nolint:mnd
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !utf8.ValidString(line) {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return fmt.Errorf("read descriptor %s: %w", f.Name(), err)
	}
	return nil
}

func megabytes(b int64) string {
	return fmt.Sprintf("%dMB", b/units.MiB)
}
