package types

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/cocoonstack/vmxdriver/utils"
)

// AllowlistMode controls how preserved ethernet keys are reported.
type AllowlistMode string

const (
	AllowlistUnverified     AllowlistMode = "false"
	AllowlistVerified       AllowlistMode = "true"
	AllowlistDisableWarning AllowlistMode = "disable_warning"
)

// UnmarshalYAML accepts booleans as well as the string forms.
func (m *AllowlistMode) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(strings.TrimPrefix(node.Value, ":")) {
	case "", "false", "no":
		*m = AllowlistUnverified
	case "true", "yes":
		*m = AllowlistVerified
	case "disable_warning":
		*m = AllowlistDisableWarning
	default:
		return fmt.Errorf("allowlist_verified: invalid value %q (valid: true, false, disable_warning)", node.Value)
	}
	return nil
}

// Provider holds the hypervisor specific machine settings.
type Provider struct {
	GUI                     bool                `yaml:"gui"`
	LinkedClone             *bool               `yaml:"linked_clone"`
	NATDevice               string              `yaml:"nat_device"`
	CPUs                    int                 `yaml:"cpus"`
	Memory                  int                 `yaml:"memory"`
	VMX                     map[string]*string  `yaml:"vmx"`
	NetworkAdapters         map[int]AdapterSpec `yaml:"network_adapters"`
	AllowlistVerified       AllowlistMode       `yaml:"allowlist_verified"`
	EnforceAllowlist        bool                `yaml:"enforce_allowlist"`
	BaseMAC                 string              `yaml:"base_mac"`
	BaseAddress             string              `yaml:"base_address"`
	EnableVmrunIPLookup     *bool               `yaml:"enable_vmrun_ip_lookup"`
	VerifyVmnet             *bool               `yaml:"verify_vmnet"`
	PortForwardNetworkPause int                 `yaml:"port_forward_network_pause"`
	ForceVMwareLicense      string              `yaml:"force_vmware_license"`
	CloneDirectory          string              `yaml:"clone_directory"`
	SharedFolderSpecialChar string              `yaml:"shared_folder_special_char"`
}

// SyncedFolder is a host directory exposed to the guest.
type SyncedFolder struct {
	ID        string `yaml:"id"`
	HostPath  string `yaml:"host"`
	GuestPath string `yaml:"guest"`
	Disabled  bool   `yaml:"disabled"`
}

// Machine is the declarative description of one VM.
type Machine struct {
	Name string `yaml:"name"`
	// Project names the directory the machine belongs to; used for the display name.
	Project string `yaml:"project"`
	// Box is a directory holding the source VM; VMXFile is relative to it.
	Box     string `yaml:"box"`
	VMXFile string `yaml:"vmx_file"`

	Provider      Provider         `yaml:"provider"`
	Networks      []NetworkRequest `yaml:"networks"`
	Disks         []DiskConfig     `yaml:"disks"`
	SyncedFolders []SyncedFolder   `yaml:"synced_folders"`
}

// Defaulted accessors for optional settings.

func (p *Provider) LinkedCloneEnabled() bool { return p.LinkedClone == nil || *p.LinkedClone }
func (p *Provider) VmrunIPLookup() bool {
	return p.EnableVmrunIPLookup == nil || *p.EnableVmrunIPLookup
}
func (p *Provider) VerifyVmnetEnabled() bool { return p.VerifyVmnet == nil || *p.VerifyVmnet }

// ForwardedPorts returns the enabled forwarded_port declarations.
func (m *Machine) ForwardedPorts() []NetworkRequest {
	var out []NetworkRequest
	for _, n := range m.Networks {
		if n.Kind == ForwardedPort && !n.Disabled {
			out = append(out, n)
		}
	}
	return out
}

// ActiveSyncedFolders returns the folders that are not disabled.
func (m *Machine) ActiveSyncedFolders() []SyncedFolder {
	var out []SyncedFolder
	for _, f := range m.SyncedFolders {
		if !f.Disabled {
			out = append(out, f)
		}
	}
	return out
}

// DisplayName is the name shown by the hypervisor UI.
func (m *Machine) DisplayName() string {
	return fmt.Sprintf("%s: %s", m.Project, m.Name)
}

// LoadMachine reads and validates a machine file.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user supplied machine file
	if err != nil {
		return nil, fmt.Errorf("read machine file %s: %w", path, err)
	}
	m, err := ParseMachine(data)
	if err != nil {
		return nil, err
	}
	if m.Project == "" {
		if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
			m.Project = filepath.Base(abs)
		}
	}
	if m.Box != "" && !filepath.IsAbs(m.Box) {
		m.Box = filepath.Join(filepath.Dir(path), m.Box)
	}
	return m, nil
}

// ParseMachine decodes a machine from YAML, applies defaults and validates it.
func ParseMachine(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal machine: %w", err)
	}
	if err := applyDefaults(&m); err != nil {
		return nil, err
	}
	if err := validate(&m); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &m, nil
}

func applyDefaults(m *Machine) error {
	p := &m.Provider
	if p.AllowlistVerified == "" {
		p.AllowlistVerified = AllowlistUnverified
	}
	if p.SharedFolderSpecialChar == "" {
		p.SharedFolderSpecialChar = "-"
	}
	if p.VMX == nil {
		p.VMX = map[string]*string{}
	}
	if p.CPUs > 0 {
		p.VMX["numvcpus"] = ptr(strconv.Itoa(p.CPUs))
	}
	if p.Memory > 0 {
		p.VMX["memsize"] = ptr(strconv.Itoa(p.Memory))
	}
	if p.NetworkAdapters == nil {
		p.NetworkAdapters = map[int]AdapterSpec{}
	}
	if _, ok := p.NetworkAdapters[0]; !ok {
		p.NetworkAdapters[0] = AdapterSpec{Type: AdapterNAT, AutoConfig: ptr(false)}
	}
	if p.BaseMAC != "" {
		p.BaseMAC = utils.FormatMAC(p.BaseMAC)
		nat := p.NetworkAdapters[0]
		nat.MACAddress = p.BaseMAC
		p.NetworkAdapters[0] = nat
	}

	for i := range m.Networks {
		n := &m.Networks[i]
		if n.Kind == ForwardedPort && n.Protocol == "" {
			n.Protocol = "tcp"
		}
		n.Protocol = strings.ToLower(n.Protocol)
	}

	for i := range m.Disks {
		d := &m.Disks[i]
		if d.Type == "" {
			d.Type = DiskTypeDisk
		}
		if d.ID == "" {
			d.ID = utils.UUIDv5(m.Name + "/" + d.Name)
		}
		if d.Size != "" {
			size, err := units.RAMInBytes(d.Size)
			if err != nil {
				return fmt.Errorf("disks[%d].size %q: %w", i, d.Size, err)
			}
			d.SizeBytes = size
		}
	}
	return nil
}

func validate(m *Machine) error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	p := &m.Provider
	if p.NetworkAdapters[0].Type != AdapterNAT {
		errs = append(errs, errors.New("network adapter 0 must be nat"))
	}
	if p.BaseMAC != "" && !utils.ValidMAC(p.BaseMAC) {
		errs = append(errs, fmt.Errorf("base_mac %q is not a valid MAC address", p.BaseMAC))
	}
	if p.BaseAddress != "" {
		if net.ParseIP(p.BaseAddress) == nil {
			errs = append(errs, fmt.Errorf("base_address %q is not a valid IP address", p.BaseAddress))
		}
		if p.BaseMAC == "" {
			errs = append(errs, errors.New("base_address requires base_mac"))
		}
	}
	for i, n := range m.Networks {
		switch n.Kind {
		case PrivateNetwork, PublicNetwork:
		case ForwardedPort:
			if n.GuestPort <= 0 || n.HostPort <= 0 {
				errs = append(errs, fmt.Errorf("networks[%d]: forwarded_port needs guest and host ports", i))
			}
			if n.Protocol != "tcp" && n.Protocol != "udp" {
				errs = append(errs, fmt.Errorf("networks[%d]: unsupported protocol %q", i, n.Protocol))
			}
		default:
			errs = append(errs, fmt.Errorf("networks[%d]: unknown kind %q", i, n.Kind))
		}
	}
	primaries := 0
	for i, d := range m.Disks {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("disks[%d].name is required", i))
		}
		if d.Primary {
			primaries++
		}
		if d.Type == DiskTypeDVD && d.File == "" {
			errs = append(errs, fmt.Errorf("disks[%d]: dvd needs a file", i))
		}
	}
	if primaries > 1 {
		errs = append(errs, errors.New("at most one primary disk may be declared"))
	}
	return errors.Join(errs...)
}

func ptr[T any](v T) *T { return &v }
