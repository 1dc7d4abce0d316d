package types

// AdapterType is the VMX connection type of an ethernet adapter.
type AdapterType string

const (
	AdapterNAT      AdapterType = "nat"
	AdapterHostonly AdapterType = "hostonly"
	AdapterBridged  AdapterType = "bridged"
	AdapterCustom   AdapterType = "custom"
)

// NetworkAdapter is one ethernet slot as written into the VMX.
type NetworkAdapter struct {
	Slot       int         `json:"slot"`
	Type       AdapterType `json:"type"`
	MACAddress string      `json:"mac_address,omitempty"`
	VNet       string      `json:"vnet,omitempty"`
}

// VmnetDevice is a host virtual switch owned by the helper service.
type VmnetDevice struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	Number          int    `json:"number"`
	DHCP            bool   `json:"dhcp"`
	HostonlySubnet  string `json:"hostonly_subnet"`
	HostonlyNetmask string `json:"hostonly_netmask"`
}

// PortForward is a NAT mapping from a host port to a guest address.
type PortForward struct {
	Device      string `json:"device"`
	Protocol    string `json:"protocol"`
	HostPort    int    `json:"host_port"`
	GuestPort   int    `json:"guest_port"`
	GuestIP     string `json:"guest_ip"`
	Description string `json:"description,omitempty"`
}

// NetworkKind is the declarative network category.
type NetworkKind string

const (
	PrivateNetwork NetworkKind = "private_network"
	PublicNetwork  NetworkKind = "public_network"
	ForwardedPort  NetworkKind = "forwarded_port"
)

// AddressType selects DHCP or static guest addressing.
type AddressType string

const (
	AddressDHCP   AddressType = "dhcp"
	AddressStatic AddressType = "static"
)

// NetworkRequest is one declared network as it appears in the machine file.
type NetworkRequest struct {
	Kind NetworkKind `yaml:"kind" json:"kind"`
	// Adapter pins the request to an ethernet slot.
	Adapter    *int        `yaml:"adapter,omitempty" json:"adapter,omitempty"`
	Type       AddressType `yaml:"type,omitempty" json:"type,omitempty"`
	IP         string      `yaml:"ip,omitempty" json:"ip,omitempty"`
	Netmask    string      `yaml:"netmask,omitempty" json:"netmask,omitempty"`
	MAC        string      `yaml:"mac,omitempty" json:"mac,omitempty"`
	AutoConfig *bool       `yaml:"auto_config,omitempty" json:"auto_config,omitempty"`

	// forwarded_port fields
	ID        string `yaml:"id,omitempty" json:"id,omitempty"`
	GuestPort int    `yaml:"guest,omitempty" json:"guest,omitempty"`
	HostPort  int    `yaml:"host,omitempty" json:"host,omitempty"`
	Protocol  string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Disabled  bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// AdapterSpec is an explicit low-level adapter from the provider settings.
type AdapterSpec struct {
	Type       AdapterType `yaml:"type" json:"type"`
	MACAddress string      `yaml:"mac_address,omitempty" json:"mac_address,omitempty"`
	Device     string      `yaml:"device,omitempty" json:"device,omitempty"`
	AutoConfig *bool       `yaml:"auto_config,omitempty" json:"auto_config,omitempty"`
}

// GuestNetwork is the guest-side configuration derived for one adapter.
type GuestNetwork struct {
	Interface  int         `json:"interface"`
	Type       AddressType `json:"type"`
	IP         string      `json:"ip,omitempty"`
	Netmask    string      `json:"netmask,omitempty"`
	AdapterIP  string      `json:"adapter_ip,omitempty"`
	AutoConfig bool        `json:"auto_config"`
}
