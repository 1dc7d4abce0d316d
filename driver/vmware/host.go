package vmware

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/config"
	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utility"
)

const (
	// UtilityRequirement is the helper service protocol window this driver speaks.
	UtilityRequirement = "~> 1.0.14"

	typeName = "vmware"
)

var (
	// Helper versions above these accept collections of port forwards.
	batchForwardVersion = version.Must(version.NewVersion("1.0.6"))
	batchScrubVersion   = version.Must(version.NewVersion("1.0.7"))

	vmxFileRe = regexp.MustCompile(`^(.+?)\.vmx$`)
)

// API is the helper service surface the driver uses. Implemented by *utility.Client.
type API interface {
	Get(ctx context.Context, path string) (*utility.Response, error)
	Put(ctx context.Context, path string, payload any) (*utility.Response, error)
	Post(ctx context.Context, path string, payload any) (*utility.Response, error)
	Delete(ctx context.Context, path string, payload any) (*utility.Response, error)
}

// Options tune host detection and command timeouts.
type Options struct {
	// ForceLicense overrides the license reported by the helper service.
	ForceLicense string
	// NATDevice pins the NAT vmnet device. Empty means detect.
	NATDevice string
	// LinkedCloneDisabledLicenses lists licenses that cannot link clones.
	LinkedCloneDisabledLicenses []string
	StartTimeout                time.Duration
	StopTimeout                 time.Duration
}

// Host is the hypervisor installation as reported by the helper service.
// It is resolved once per process and bound to VMX files with ForVMX.
type Host struct {
	api    API
	runner executor.Runner
	opts   Options

	license        string
	pro            bool
	product        string
	productVersion string
	paths          utility.Paths
	utilityVersion *version.Version
	natDevice      string
}

// compile-time interface check.
var _ driver.Host = (*Host)(nil)

// NewHost queries the helper service for product, paths and protocol version
// and settles the NAT device.
func NewHost(ctx context.Context, api API, runner executor.Runner, opts Options) (*Host, error) {
	h := &Host{api: api, runner: runner, opts: opts}
	if err := h.loadInfo(ctx); err != nil {
		return nil, err
	}

	logger := log.WithFunc("vmware.NewHost")
	h.natDevice = opts.NATDevice
	if h.natDevice == "" {
		if !h.pro {
			logger.Warnf(ctx, "standard license is in use - forcing default NAT device (%s)", config.DefaultNATDevice)
			h.natDevice = config.DefaultNATDevice
		} else {
			dev, err := h.detectNATDevice(ctx)
			if err != nil {
				return nil, err
			}
			h.natDevice = dev
		}
	}
	logger.Debugf(ctx, "product=%s version=%s license=%s utility=%s nat=%s",
		h.product, h.productVersion, h.license, h.utilityVersion, h.natDevice)
	return h, nil
}

func (h *Host) loadInfo(ctx context.Context) error {
	var info utility.Info
	if err := h.getJSON(ctx, "/vmware/info", "VMware version detection", &info); err != nil {
		return err
	}
	h.license = strings.ToLower(h.opts.ForceLicense)
	if h.license == "" {
		h.license = strings.ToLower(info.License)
	} else {
		log.WithFunc("vmware.loadInfo").Warnf(ctx, "overriding VMware license detection with value: %s", h.license)
	}
	h.pro = (strings.Contains(h.license, "workstation") || strings.Contains(h.license, "pro")) &&
		!strings.Contains(h.license, "vl")
	h.product = strings.ToLower(info.Product)
	h.productVersion = info.Version

	if err := h.getJSON(ctx, "/vmware/paths", "VMware paths detection", &h.paths); err != nil {
		return err
	}

	var ver utility.Version
	if err := h.getJSON(ctx, "/version", "helper version detection", &ver); err != nil {
		return err
	}
	v, err := version.NewVersion(ver.Version)
	if err != nil {
		return fmt.Errorf("%w: helper version %q: %w", utility.ErrInvalidResponse, ver.Version, err)
	}
	h.utilityVersion = v
	if !h.pro {
		log.WithFunc("vmware.loadInfo").Warnf(ctx, "standard VMware license in use, networking features are limited")
	}
	return nil
}

// detectNATDevice prefers the default device when it is a usable NAT, then the
// first usable NAT, then falls back to the default name.
func (h *Host) detectNATDevice(ctx context.Context) (string, error) {
	devices, err := h.ReadVmnetDevices(ctx)
	if err != nil {
		return "", err
	}
	usable := func(d types.VmnetDevice) bool {
		return strings.EqualFold(d.Type, "nat") && d.DHCP && d.HostonlySubnet != ""
	}
	for _, d := range devices {
		if d.Name == config.DefaultNATDevice && usable(d) {
			return d.Name, nil
		}
	}
	for _, d := range devices {
		if usable(d) {
			return d.Name, nil
		}
	}
	log.WithFunc("vmware.detectNATDevice").Warnf(ctx, "failed to locate a NAT device, using default - %s", config.DefaultNATDevice)
	return config.DefaultNATDevice, nil
}

// Type returns the backend name.
func (h *Host) Type() string { return typeName }

// NATDevice returns the vmnet device used for NAT and port forwarding.
func (h *Host) NATDevice() string { return h.natDevice }

// Professional reports whether the license unlocks custom networking.
func (h *Host) Professional() bool { return h.pro }

// UtilityVersion returns the helper service protocol version.
func (h *Host) UtilityVersion() string { return h.utilityVersion.String() }

// Verify refuses to proceed when the helper version is outside UtilityRequirement.
func (h *Host) Verify(_ context.Context) error {
	c, err := version.NewConstraint(UtilityRequirement)
	if err != nil {
		return err
	}
	if !c.Check(h.utilityVersion) {
		return &driver.UpgradeRequiredError{Version: h.utilityVersion.String(), Requirement: UtilityRequirement}
	}
	return nil
}

// VerifyVmnet asks the helper to check the vmnet devices. A 404 means the
// helper predates the endpoint and is accepted.
func (h *Host) VerifyVmnet(ctx context.Context) error {
	resp, err := h.api.Post(ctx, "/vmnet/verify", nil)
	if err != nil {
		return err
	}
	if resp.Success || resp.Code == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%w: %s", driver.ErrVmnetWontStart, resp.Message())
}

// ReadVmnetDevices lists the host virtual networks.
func (h *Host) ReadVmnetDevices(ctx context.Context) ([]types.VmnetDevice, error) {
	var list utility.Vmnets
	if err := h.getJSON(ctx, "/vmnet", "vmnet device list", &list); err != nil {
		return nil, err
	}
	out := make([]types.VmnetDevice, 0, len(list.Vmnets))
	for _, v := range list.Vmnets {
		if v == nil {
			continue
		}
		out = append(out, toVmnetDevice(v))
	}
	return out, nil
}

// CreateVmnetDevice asks the helper for a new host-only device on subnet/mask.
func (h *Host) CreateVmnetDevice(ctx context.Context, subnet, mask string) (*types.VmnetDevice, error) {
	resp, err := h.api.Post(ctx, "/vmnet", utility.NewVmnet{Subnet: subnet, Mask: mask})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, apiError("vmnet device create", resp)
	}
	var v utility.Vmnet
	if err := resp.Decode(&v); err != nil {
		return nil, err
	}
	dev := toVmnetDevice(&v)
	return &dev, nil
}

// ReserveDHCPAddress pins ip to mac on device's DHCP server.
func (h *Host) ReserveDHCPAddress(ctx context.Context, ip, mac, device string) error {
	resp, err := h.api.Put(ctx, fmt.Sprintf("/vmnet/%s/dhcpreserve/%s/%s", device, mac, ip), nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apiError(fmt.Sprintf("address reservation of %s for %s on %s", ip, mac, device), resp)
	}
	return nil
}

// ForVMX binds the host to path, which may be a VMX file, a legacy VM
// directory or empty for a VM that does not exist yet.
func (h *Host) ForVMX(path string) (driver.Driver, error) {
	return h.Open(path)
}

// Open is ForVMX returning the concrete driver.
func (h *Host) Open(path string) (*Driver, error) {
	d := &Driver{Host: h}
	if path == "" {
		return d, nil
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		found, err := findVMX(path)
		if err != nil {
			return nil, err
		}
		path = found
	}
	d.vmxPath = path
	d.vmDir = filepath.Dir(path)
	return d, nil
}

func findVMX(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read VM dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && vmxFileRe.MatchString(e.Name()) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: %s", driver.ErrVMXNotFound, dir)
}

func (h *Host) getJSON(ctx context.Context, path, op string, v any) error {
	resp, err := h.api.Get(ctx, path)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apiError(op, resp)
	}
	return resp.Decode(v)
}

func (h *Host) linkedCloneAllowed() bool {
	return !slices.Contains(h.opts.LinkedCloneDisabledLicenses, h.license)
}

// exec runs a hypervisor tool, streaming its output to the debug log.
func (h *Host) exec(ctx context.Context, binary string, opts executor.Options, args ...string) (*executor.Result, error) {
	if opts.Notify == nil {
		logger := log.WithFunc("vmware.exec")
		name := filepath.Base(binary)
		opts.Notify = func(stream, line string) {
			logger.Debugf(ctx, "%s %s: %s", name, stream, line)
		}
	}
	return h.runner.Execute(ctx, binary, args, opts)
}

func (h *Host) vmrun(ctx context.Context, opts executor.Options, args ...string) (*executor.Result, error) {
	return h.exec(ctx, h.paths.Vmrun, opts, args...)
}

func (h *Host) vdiskmanager(ctx context.Context, args ...string) (*executor.Result, error) {
	return h.exec(ctx, h.paths.Vdiskmanager, executor.Options{}, args...)
}

func toVmnetDevice(v *utility.Vmnet) types.VmnetDevice {
	n, _ := strconv.Atoi(strings.TrimPrefix(v.Name, "vmnet"))
	return types.VmnetDevice{
		Name:            v.Name,
		Type:            v.Type,
		Number:          n,
		DHCP:            bool(v.DHCP),
		HostonlySubnet:  v.Subnet,
		HostonlyNetmask: v.Mask,
	}
}

func apiError(op string, resp *utility.Response) error {
	return &driver.APIError{Op: op, Code: resp.Code, Message: resp.Message()}
}
