package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/go-units"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/types"
)

// --- fake driver ---

type fakeDriver struct {
	dir       string
	attached  types.AttachedDisks
	sizes     map[string]int64
	linked    bool
	snapshots []string

	created  []string
	grown    map[string]int64
	added    map[string]string
	extras   map[string]map[string]string
	removed  []string
	detached []string
}

func newFakeDriver(t *testing.T) *fakeDriver {
	return &fakeDriver{
		dir:      t.TempDir(),
		attached: types.AttachedDisks{},
		sizes:    map[string]int64{},
		grown:    map[string]int64{},
		added:    map[string]string{},
		extras:   map[string]map[string]string{},
	}
}

func (f *fakeDriver) VMDir() string { return f.dir }

func (f *fakeDriver) GetDisks(context.Context, []string) (types.AttachedDisks, error) {
	out := types.AttachedDisks{}
	for k, v := range f.attached {
		out[k] = v
	}
	return out, nil
}

func (f *fakeDriver) CreateDisk(_ context.Context, filename string, _ int64, _ int, adapter string) (string, error) {
	f.created = append(f.created, filename+"/"+adapter)
	return filepath.Join(f.dir, filename), nil
}

func (f *fakeDriver) GrowDisk(_ context.Context, path string, size int64) error {
	f.grown[path] = size
	return nil
}

func (f *fakeDriver) RemoveDisk(_ context.Context, filename string) error {
	f.removed = append(f.removed, filename)
	return nil
}

func (f *fakeDriver) AddDiskToVMX(_ context.Context, filename, slot string, extra map[string]string) error {
	f.added[slot] = filename
	f.extras[slot] = extra
	return nil
}

func (f *fakeDriver) RemoveDiskFromVMX(_ context.Context, filename string, _ []string) error {
	f.detached = append(f.detached, filename)
	return nil
}

func (f *fakeDriver) GetDiskSize(path string) (int64, bool, error) {
	size, ok := f.sizes[path]
	return size, ok, nil
}

func (f *fakeDriver) IsLinkedClone(context.Context) (bool, error) { return f.linked, nil }

func (f *fakeDriver) SnapshotList(context.Context) ([]string, error) { return f.snapshots, nil }

func primaryAttached(f *fakeDriver, size int64) string {
	f.attached["scsi0:0"] = map[string]string{"filename": "box-disk1.vmdk", "present": "TRUE"}
	path := filepath.Join(f.dir, "box-disk1.vmdk")
	f.sizes[path] = size
	return path
}

// --- Configure ---

func TestConfigureCreatesSecondaryDisk(t *testing.T) {
	f := newFakeDriver(t)
	primaryAttached(f, 20*units.GiB)

	meta, err := Configure(context.Background(), f, []types.DiskConfig{
		{ID: "id-1", Name: "data", Type: types.DiskTypeDisk, SizeBytes: 10 * units.GiB},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(f.created) != 1 || f.created[0] != "data.vmdk/lsilogic" {
		t.Errorf("created = %v", f.created)
	}
	if f.added["scsi0:1"] != "data.vmdk" {
		t.Errorf("added = %v, want data.vmdk on scsi0:1", f.added)
	}
	want := types.DiskEntry{UUID: "id-1", Name: "data", Path: filepath.Join(f.dir, "data.vmdk")}
	if len(meta.Disk) != 1 || meta.Disk[0] != want {
		t.Errorf("meta = %+v, want %+v", meta.Disk, want)
	}
}

func TestConfigureAllocatesDistinctSlots(t *testing.T) {
	f := newFakeDriver(t)
	primaryAttached(f, 20*units.GiB)

	_, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "a", Type: types.DiskTypeDisk, SizeBytes: units.GiB},
		{Name: "b", Type: types.DiskTypeDisk, SizeBytes: units.GiB, Bus: "sata"},
		{Name: "c", Type: types.DiskTypeDisk, SizeBytes: units.GiB},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	want := map[string]string{"scsi0:1": "a.vmdk", "sata0:0": "b.vmdk", "scsi0:2": "c.vmdk"}
	for slot, name := range want {
		if f.added[slot] != name {
			t.Errorf("slot %s = %q, want %q (all: %v)", slot, f.added[slot], name, f.added)
		}
	}
}

func TestConfigureInvalidAdapterFallsBack(t *testing.T) {
	f := newFakeDriver(t)
	_, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "data", Type: types.DiskTypeDisk, SizeBytes: units.GiB, Adapter: "virtio", Bus: "usb"},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if f.created[0] != "data.vmdk/lsilogic" {
		t.Errorf("created = %v", f.created)
	}
	if f.added["scsi0:0"] != "data.vmdk" {
		t.Errorf("added = %v", f.added)
	}
}

func TestConfigureExistingFileIsAttached(t *testing.T) {
	f := newFakeDriver(t)
	file := filepath.Join(t.TempDir(), "shared.vmdk")
	if err := os.WriteFile(file, []byte("# Disk DescriptorFile\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	meta, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "shared", Type: types.DiskTypeDisk, File: file},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(f.created) != 0 {
		t.Errorf("unexpected create: %v", f.created)
	}
	if f.added["scsi0:0"] != file {
		t.Errorf("added = %v, want absolute %s", f.added, file)
	}
	if meta.Disk[0].Path != file {
		t.Errorf("path = %s", meta.Disk[0].Path)
	}
}

func TestConfigurePrimaryGrow(t *testing.T) {
	f := newFakeDriver(t)
	path := primaryAttached(f, 20*units.GiB)

	_, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "main", Type: types.DiskTypeDisk, Primary: true, SizeBytes: 40 * units.GiB},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if f.grown[path] != 40*units.GiB {
		t.Errorf("grown = %v", f.grown)
	}
}

func TestConfigureGrowRefusedWithSnapshots(t *testing.T) {
	f := newFakeDriver(t)
	primaryAttached(f, 20*units.GiB)
	f.snapshots = []string{"base"}

	_, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "main", Type: types.DiskTypeDisk, Primary: true, SizeBytes: 40 * units.GiB},
	})
	if !errors.Is(err, driver.ErrDiskResizeSnapshot) {
		t.Fatalf("err = %v, want ErrDiskResizeSnapshot", err)
	}
	if len(f.grown) != 0 {
		t.Errorf("grew despite snapshots: %v", f.grown)
	}
}

func TestConfigurePrimaryLinkedCloneNotGrown(t *testing.T) {
	f := newFakeDriver(t)
	primaryAttached(f, 20*units.GiB)
	f.linked = true

	if _, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "main", Type: types.DiskTypeDisk, Primary: true, SizeBytes: 40 * units.GiB},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(f.grown) != 0 {
		t.Errorf("grew a linked clone: %v", f.grown)
	}
}

func TestConfigureNeverShrinks(t *testing.T) {
	f := newFakeDriver(t)
	primaryAttached(f, 40*units.GiB)

	if _, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "main", Type: types.DiskTypeDisk, Primary: true, SizeBytes: 20 * units.GiB},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(f.grown) != 0 {
		t.Errorf("grown = %v", f.grown)
	}
}

func TestConfigurePrimaryMissing(t *testing.T) {
	f := newFakeDriver(t)
	f.attached["scsi0:0"] = map[string]string{"filename": "box.vmdk", "present": "FALSE"}

	_, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "main", Type: types.DiskTypeDisk, Primary: true, SizeBytes: units.GiB},
	})
	if !errors.Is(err, driver.ErrPrimaryDiskMissing) {
		t.Fatalf("err = %v, want ErrPrimaryDiskMissing", err)
	}
}

func TestConfigureFindsNumberedDisk(t *testing.T) {
	f := newFakeDriver(t)
	f.attached["scsi0:3"] = map[string]string{"filename": "data-2.vmdk"}
	path := filepath.Join(f.dir, "data-2.vmdk")
	f.sizes[path] = units.GiB

	meta, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "data", Type: types.DiskTypeDisk, SizeBytes: 2 * units.GiB},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(f.created) != 0 || len(f.added) != 0 {
		t.Errorf("existing disk re-created: created=%v added=%v", f.created, f.added)
	}
	if meta.Disk[0].Path != path || f.grown[path] != 2*units.GiB {
		t.Errorf("path=%s grown=%v", meta.Disk[0].Path, f.grown)
	}
}

func TestConfigureDVD(t *testing.T) {
	f := newFakeDriver(t)
	primaryAttached(f, units.GiB)

	meta, err := Configure(context.Background(), f, []types.DiskConfig{
		{Name: "iso", Type: types.DiskTypeDVD, File: "/isos/tools.iso"},
		{Name: "legacy", Type: types.DiskTypeDVD, File: "/isos/old.iso", Bus: "floppy-bus"},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if f.added["ide0:0"] != "/isos/tools.iso" || f.added["ide0:1"] != "/isos/old.iso" {
		t.Errorf("added = %v", f.added)
	}
	if f.extras["ide0:0"]["deviceType"] != DefaultDVDDeviceType {
		t.Errorf("extras = %v", f.extras["ide0:0"])
	}
	if len(meta.DVD) != 2 || meta.DVD[0].Path != "/isos/tools.iso" {
		t.Errorf("meta.DVD = %+v", meta.DVD)
	}

	// Already attached DVDs are left alone.
	f2 := newFakeDriver(t)
	f2.attached["sata0:0"] = map[string]string{"filename": "/isos/tools.iso"}
	if _, err := Configure(context.Background(), f2, []types.DiskConfig{
		{Name: "iso", Type: types.DiskTypeDVD, File: "/isos/tools.iso"},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(f2.added) != 0 {
		t.Errorf("re-attached: %v", f2.added)
	}
}

func TestConfigureNoDisks(t *testing.T) {
	meta, err := Configure(context.Background(), newFakeDriver(t), nil)
	if err != nil || !meta.Empty() {
		t.Fatalf("meta=%+v err=%v", meta, err)
	}
}

// --- Cleanup ---

func TestCleanup(t *testing.T) {
	f := newFakeDriver(t)
	meta := types.DiskMeta{
		Disk: []types.DiskEntry{
			{Name: "main", Path: "/vm/box.vmdk", Primary: true},
			{Name: "keep", Path: "/vm/keep.vmdk"},
			{Name: "gone", Path: "/vm/gone.vmdk"},
		},
		DVD: []types.DiskEntry{
			{Name: "iso", Path: "/isos/tools.iso"},
			{Name: "old", Path: "/isos/old.iso"},
		},
	}
	declared := []types.DiskConfig{{Name: "keep"}, {Name: "iso", Type: types.DiskTypeDVD}}

	if err := Cleanup(context.Background(), f, declared, meta); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if strings.Join(f.removed, ",") != "gone.vmdk" {
		t.Errorf("removed = %v", f.removed)
	}
	if strings.Join(f.detached, ",") != "/isos/old.iso" {
		t.Errorf("detached = %v", f.detached)
	}
}

func TestCleanupEmptyMeta(t *testing.T) {
	f := newFakeDriver(t)
	if err := Cleanup(context.Background(), f, nil, types.DiskMeta{}); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(f.removed)+len(f.detached) != 0 {
		t.Errorf("unexpected removals")
	}
}

// --- helpers ---

func TestNormalizeFilename(t *testing.T) {
	tests := map[string]string{
		"disk-s001.vmdk":  "disk.vmdk",
		"disk-f002.vmdk":  "disk.vmdk",
		"disk-flat.vmdk":  "disk.vmdk",
		"disk-delta.vmdk": "disk.vmdk",
		"disk.vmdk":       "disk.vmdk",
		"data-store.vmdk": "data-store.vmdk",
		"my-disk-2.vmdk":  "my-disk-2.vmdk",
	}
	for in, want := range tests {
		if got := NormalizeFilename(in); got != want {
			t.Errorf("NormalizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMetaRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk_meta")
	meta, err := LoadMeta(path)
	if err != nil || !meta.Empty() {
		t.Fatalf("missing file: meta=%+v err=%v", meta, err)
	}
	in := types.DiskMeta{Disk: []types.DiskEntry{{UUID: "u", Name: "data", Path: "/vm/data.vmdk"}}}
	if err := SaveMeta(path, in); err != nil {
		t.Fatalf("SaveMeta: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"UUID":"u"`) || !strings.Contains(string(data), `"primary":false`) {
		t.Errorf("unexpected encoding: %s", data)
	}
	out, err := LoadMeta(path)
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if fmt.Sprint(out) != fmt.Sprint(in) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
