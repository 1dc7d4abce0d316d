package action

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cocoonstack/vmxdriver/config"
	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/vmx"
)

// --- fake host and driver ---

// fakeVM implements driver.Driver over an in-memory VM. The host side and
// the VM side share one struct so ForVMX can hand it back.
type fakeVM struct {
	mu    sync.Mutex
	calls []string

	state     types.VMState
	vmxPath   string
	vmxAlive  bool
	ip        string
	ipAfter   int // ReadIP calls before ip is reported
	ipReads   int
	stopFails bool // soft stop leaves the VM running

	natDevice string
	vmnets    []types.VmnetDevice
	forwarded []int
	forwards  []types.PortForward
	adapters  []types.NetworkAdapter
	vmxDoc    *vmx.Document
	reserved  []string
	shared    []string
}

func newFakeVM() *fakeVM {
	return &fakeVM{
		state:     types.StateNotCreated,
		natDevice: "vmnet8",
		vmnets: []types.VmnetDevice{
			{Name: "vmnet8", Type: "nat", DHCP: true, HostonlySubnet: "192.168.33.0", HostonlyNetmask: "255.255.255.0"},
		},
		ip:     "192.168.33.130",
		vmxDoc: vmx.New(""),
	}
}

var _ driver.Driver = (*fakeVM)(nil)

func (f *fakeVM) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeVM) called(c string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, x := range f.calls {
		if x == c {
			n++
		}
	}
	return n
}

func (f *fakeVM) Verify(context.Context) error      { f.record("verify"); return nil }
func (f *fakeVM) VerifyVmnet(context.Context) error { f.record("verify_vmnet"); return nil }
func (f *fakeVM) NATDevice() string                 { return f.natDevice }
func (f *fakeVM) Professional() bool                { return true }
func (f *fakeVM) UtilityVersion() string            { return "1.0.21" }

func (f *fakeVM) ReadVmnetDevices(context.Context) ([]types.VmnetDevice, error) { return f.vmnets, nil }

func (f *fakeVM) CreateVmnetDevice(_ context.Context, subnet, mask string) (*types.VmnetDevice, error) {
	f.record("create_vmnet")
	d := types.VmnetDevice{Name: "vmnet9", Type: "hostOnly", HostonlySubnet: subnet, HostonlyNetmask: mask}
	f.vmnets = append(f.vmnets, d)
	return &d, nil
}

func (f *fakeVM) ReserveDHCPAddress(_ context.Context, ip, mac, device string) error {
	f.reserved = append(f.reserved, ip+"/"+mac+"/"+device)
	return nil
}

func (f *fakeVM) PruneForwardedPorts(context.Context) error { f.record("prune"); return nil }

func (f *fakeVM) AllForwardedPorts(context.Context) ([]int, error) { return f.forwarded, nil }

func (f *fakeVM) Clone(_ context.Context, source, dest string, _ bool) (string, error) {
	f.record("clone")
	path := filepath.Join(dest, filepath.Base(source))
	if err := os.WriteFile(path, []byte(".encoding = \"UTF-8\"\n"), 0o644); err != nil {
		return "", err
	}
	f.state = types.StateNotRunning
	return path, nil
}

func (f *fakeVM) ForVMX(path string) (driver.Driver, error) {
	f.vmxPath = path
	if path == "" {
		f.state = types.StateNotCreated
	}
	return f, nil
}

func (f *fakeVM) VMXPath() string { return f.vmxPath }
func (f *fakeVM) VMDir() string   { return filepath.Dir(f.vmxPath) }

func (f *fakeVM) ReadState(context.Context) (types.VMState, error) {
	f.record("state")
	if f.vmxPath == "" {
		return types.StateNotCreated, nil
	}
	return f.state, nil
}

func (f *fakeVM) Start(context.Context, bool) error {
	f.record("start")
	f.state = types.StateRunning
	return nil
}

func (f *fakeVM) Stop(_ context.Context, mode types.StopMode) error {
	f.record("stop_" + string(mode))
	if mode == types.StopSoft && f.stopFails {
		return nil
	}
	f.state = types.StateNotRunning
	return nil
}

func (f *fakeVM) Suspend(context.Context) error {
	f.record("suspend")
	f.state = types.StateSuspended
	return nil
}

func (f *fakeVM) DiscardSuspendedState(context.Context) error {
	f.record("discard")
	if f.state == types.StateSuspended {
		f.state = types.StateNotRunning
	}
	return nil
}

func (f *fakeVM) Delete(context.Context) error {
	f.record("delete")
	f.state = types.StateNotCreated
	return nil
}

func (f *fakeVM) Export(_ context.Context, dest string) error {
	f.record("export")
	return os.WriteFile(dest, []byte("box"), 0o644)
}

func (f *fakeVM) VMXAlive(context.Context) (bool, error) { return f.vmxAlive, nil }

func (f *fakeVM) VMXModify(_ context.Context, fn func(*vmx.Document) error) error {
	f.record("vmx_modify")
	return fn(f.vmxDoc)
}

func (f *fakeVM) SuppressMessages(context.Context) error { f.record("suppress"); return nil }

func (f *fakeVM) ReadIP(context.Context, bool) (string, error) {
	f.ipReads++
	if f.ipReads <= f.ipAfter {
		return "", nil
	}
	return f.ip, nil
}

func (f *fakeVM) ReadNetworkAdapters(context.Context) ([]types.NetworkAdapter, error) {
	return f.adapters, nil
}

func (f *fakeVM) ReadMACAddresses(context.Context) (map[int]string, error) { return nil, nil }

func (f *fakeVM) SetupAdapters(_ context.Context, adapters []types.NetworkAdapter, _ types.AllowlistMode, _ bool) error {
	f.record("setup_adapters")
	f.adapters = adapters
	return nil
}

func (f *fakeVM) ForwardPorts(_ context.Context, defs []types.PortForward) error {
	f.record("forward_ports")
	f.forwards = defs
	return nil
}

func (f *fakeVM) ScrubForwardedPorts(context.Context) error { return nil }

func (f *fakeVM) HostPortForward(context.Context, string, string, int) (int, bool, error) {
	return 0, false, nil
}

func (f *fakeVM) ClearSharedFolders(context.Context) error  { f.record("clear_shared"); return nil }
func (f *fakeVM) EnableSharedFolders(context.Context) error { f.record("enable_shared"); return nil }

func (f *fakeVM) ShareFolder(_ context.Context, id, _ string) error {
	f.shared = append(f.shared, id)
	return nil
}

func (f *fakeVM) SnapshotTake(_ context.Context, name string) error {
	f.record("snapshot_take:" + name)
	return nil
}

func (f *fakeVM) SnapshotDelete(_ context.Context, name string) error {
	f.record("snapshot_delete:" + name)
	return nil
}

func (f *fakeVM) SnapshotRevert(_ context.Context, name string) error {
	f.record("snapshot_revert:" + name)
	return nil
}

func (f *fakeVM) SnapshotList(context.Context) ([]string, error) { return nil, nil }
func (f *fakeVM) SnapshotTree(context.Context) ([]string, error) { return nil, nil }

func (f *fakeVM) GetDisks(context.Context, []string) (types.AttachedDisks, error) {
	return types.AttachedDisks{}, nil
}

func (f *fakeVM) CreateDisk(_ context.Context, filename string, _ int64, _ int, _ string) (string, error) {
	f.record("create_disk")
	return filepath.Join(f.VMDir(), filename), nil
}

func (f *fakeVM) GrowDisk(context.Context, string, int64) error { return nil }

func (f *fakeVM) RemoveDisk(context.Context, string) error { f.record("remove_disk"); return nil }

func (f *fakeVM) AddDiskToVMX(context.Context, string, string, map[string]string) error {
	f.record("add_disk")
	return nil
}

func (f *fakeVM) RemoveDiskFromVMX(context.Context, string, []string) error { return nil }

func (f *fakeVM) GetDiskSize(string) (int64, bool, error) { return 0, false, nil }

func (f *fakeVM) IsLinkedClone(context.Context) (bool, error) { return false, nil }

// --- fixtures ---

func newTestEnv(t *testing.T, vm *fakeVM, m *types.Machine) *Env {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.NetworkLockAttempts = 2
	if m.Name == "" {
		m.Name = "default"
	}
	if m.Provider.NetworkAdapters == nil {
		m.Provider.NetworkAdapters = map[int]types.AdapterSpec{0: {Type: types.AdapterNAT}}
	}
	if m.Provider.SharedFolderSpecialChar == "" {
		m.Provider.SharedFolderSpecialChar = "-"
	}
	return &Env{
		Conf:    conf,
		Machine: m,
		Host:    vm,
		sleep:   func(context.Context, time.Duration) error { return nil },
	}
}

// created writes a VMX and records it as the machine's VM.
func created(t *testing.T, env *Env, vm *fakeVM, state types.VMState) {
	t.Helper()
	if err := env.Conf.EnsureMachineDirs(env.Machine.Name); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "box.vmx")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.setMachineID(path); err != nil {
		t.Fatal(err)
	}
	vm.state = state
}

// newBox writes a box directory with one VMX.
func newBox(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ubuntu.vmx"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ubuntu.vmdk"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}
