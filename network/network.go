// Package network turns declared networks into VMX adapters and the
// matching guest-side configuration.
package network

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"slices"

	"github.com/cocoonstack/vmxdriver/config"
	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/slots"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utils"
)

// DefaultNetmask applies to host-only and bridged networks without one.
const DefaultNetmask = "255.255.255.0"

// ErrSlotZeroNotNAT is returned when a network claims the NAT slot.
var ErrSlotZeroNotNAT = errors.New("adapter slot 0 is reserved for NAT")

// ErrAdapterTaken is returned when two networks name the same adapter slot.
var ErrAdapterTaken = errors.New("adapter slot claimed twice")

// Kind is one of NAT, Hostonly or Bridged.
type Kind interface {
	AdapterType() types.AdapterType
	// Guest is the guest-side view of the network before interface numbering.
	Guest() types.GuestNetwork
}

// NAT shares the host's NAT device.
type NAT struct {
	// VNet pins a non-default NAT device.
	VNet       string
	MACAddress string
	AutoConfig bool
}

func (NAT) AdapterType() types.AdapterType { return types.AdapterNAT }

func (n NAT) Guest() types.GuestNetwork {
	return types.GuestNetwork{Type: types.AddressDHCP, AutoConfig: n.AutoConfig}
}

// Hostonly is a private network. A static IP selects or creates a vmnet
// device for its subnet; DHCP uses the default host-only device.
type Hostonly struct {
	Type       types.AddressType
	IP         string
	Netmask    string
	SubnetIP   string
	AdapterIP  string
	MACAddress string
	AutoConfig bool
}

func (Hostonly) AdapterType() types.AdapterType { return types.AdapterHostonly }

func (h Hostonly) Guest() types.GuestNetwork {
	return types.GuestNetwork{
		Type:       h.Type,
		IP:         h.IP,
		Netmask:    h.Netmask,
		AdapterIP:  h.AdapterIP,
		AutoConfig: h.AutoConfig,
	}
}

// Bridged attaches the guest to the host's physical network.
type Bridged struct {
	Type       types.AddressType
	IP         string
	Netmask    string
	MACAddress string
	AutoConfig bool
}

func (Bridged) AdapterType() types.AdapterType { return types.AdapterBridged }

func (b Bridged) Guest() types.GuestNetwork {
	if b.Type != types.AddressStatic {
		return types.GuestNetwork{Type: types.AddressDHCP, AutoConfig: b.AutoConfig}
	}
	return types.GuestNetwork{Type: types.AddressStatic, IP: b.IP, Netmask: b.Netmask, AutoConfig: b.AutoConfig}
}

// Request places a network kind in an adapter slot.
type Request struct {
	Slot int
	Kind Kind
}

// Plan assigns slots to the machine's adapters and private/public networks
// and normalizes their settings. Explicit adapters keep their slots, networks
// with an adapter option take that slot and the rest get the lowest free
// slots in declaration order. The result is ordered by slot.
func Plan(m *types.Machine, natDevice string) ([]Request, error) {
	bySlot := map[int]Kind{}
	owners := map[int]string{}
	var occupied []int
	for slot, spec := range m.Provider.NetworkAdapters {
		kind, err := fromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("network adapter %d: %w", slot, err)
		}
		bySlot[slot] = kind
		owners[slot] = fmt.Sprintf("network_adapters[%d]", slot)
		occupied = append(occupied, slot)
	}

	var pending []types.NetworkRequest
	for i, n := range m.Networks {
		if n.Kind != types.PrivateNetwork && n.Kind != types.PublicNetwork {
			continue
		}
		if n.Adapter != nil {
			slot := *n.Adapter
			if slot == slots.NATSlot {
				return nil, fmt.Errorf("networks[%d]: %w", i, ErrSlotZeroNotNAT)
			}
			name := fmt.Sprintf("networks[%d] (%s)", i, n.Kind)
			if prev, ok := owners[slot]; ok {
				return nil, fmt.Errorf("%w: %s and %s both use adapter %d", ErrAdapterTaken, prev, name, slot)
			}
			owners[slot] = name
			occupied = append(occupied, slot)
		}
		pending = append(pending, n)
	}
	auto := 0
	for _, n := range pending {
		if n.Adapter == nil {
			auto++
		}
	}
	free, err := slots.AssignAdapterSlots(occupied, auto)
	if err != nil {
		return nil, err
	}
	for _, n := range pending {
		var slot int
		if n.Adapter != nil {
			slot = *n.Adapter
		} else {
			slot, free = free[0], free[1:]
		}
		kind, err := fromRequest(n)
		if err != nil {
			return nil, fmt.Errorf("%s on adapter %d: %w", n.Kind, slot, err)
		}
		bySlot[slot] = kind
	}

	out := make([]Request, 0, len(bySlot))
	for slot, kind := range bySlot {
		if slot < slots.NATSlot || slot > slots.MaxAdapterSlot {
			return nil, fmt.Errorf("adapter slot %d out of range 0-%d", slot, slots.MaxAdapterSlot)
		}
		if slot == slots.NATSlot {
			nat, ok := kind.(NAT)
			if !ok {
				return nil, ErrSlotZeroNotNAT
			}
			if nat.VNet == "" && natDevice != "" && natDevice != config.DefaultNATDevice {
				nat.VNet = vnetPath(natDevice)
			}
			kind = nat
		}
		out = append(out, Request{Slot: slot, Kind: kind})
	}
	slices.SortFunc(out, func(a, b Request) int { return a.Slot - b.Slot })
	return out, nil
}

func fromSpec(spec types.AdapterSpec) (Kind, error) {
	auto := spec.AutoConfig == nil || *spec.AutoConfig
	mac := formatMAC(spec.MACAddress)
	switch spec.Type {
	case types.AdapterNAT:
		return NAT{VNet: spec.Device, MACAddress: mac, AutoConfig: auto}, nil
	case types.AdapterHostonly:
		return Hostonly{Type: types.AddressDHCP, Netmask: DefaultNetmask, MACAddress: mac, AutoConfig: auto}, nil
	case types.AdapterBridged:
		return Bridged{Type: types.AddressDHCP, MACAddress: mac, AutoConfig: auto}, nil
	}
	return nil, fmt.Errorf("unsupported adapter type %q", spec.Type)
}

func fromRequest(n types.NetworkRequest) (Kind, error) {
	auto := n.AutoConfig == nil || *n.AutoConfig
	netmask := n.Netmask
	if netmask == "" {
		netmask = DefaultNetmask
	}
	mac := formatMAC(n.MAC)

	if n.Kind == types.PublicNetwork {
		b := Bridged{Type: types.AddressDHCP, MACAddress: mac, AutoConfig: auto}
		if n.IP != "" {
			b.Type, b.IP, b.Netmask = types.AddressStatic, n.IP, netmask
		}
		return b, nil
	}

	h := Hostonly{Type: types.AddressDHCP, Netmask: netmask, MACAddress: mac, AutoConfig: auto}
	if n.Type != "" {
		h.Type = n.Type
	}
	if n.IP == "" {
		return h, nil
	}
	subnet, adapterIP, err := HostonlySubnet(n.IP, netmask)
	if err != nil {
		return nil, err
	}
	h.Type, h.IP, h.SubnetIP, h.AdapterIP = types.AddressStatic, n.IP, subnet, adapterIP
	return h, nil
}

// HostonlySubnet derives the network address of ip/netmask and the host
// side adapter address, which is the network address plus one.
func HostonlySubnet(ip, netmask string) (subnet, adapterIP string, err error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", "", fmt.Errorf("invalid IP address %q", ip)
	}
	v4 := addr.To4()
	if v4 == nil {
		return "", "", fmt.Errorf("%w: %s", driver.ErrIPv6Unsupported, ip)
	}
	mask := net.ParseIP(netmask).To4()
	if mask == nil {
		return "", "", fmt.Errorf("invalid netmask %q", netmask)
	}
	network := v4.Mask(net.IPMask(mask))
	host := slices.Clone(network)
	host[3]++
	return network.String(), host.String(), nil
}

// vnetPath is how a non-default vmnet device is referenced from the VMX.
func vnetPath(device string) string {
	if runtime.GOOS == "windows" {
		return device
	}
	return "/dev/" + device
}

func formatMAC(mac string) string {
	if mac == "" {
		return ""
	}
	return utils.FormatMAC(mac)
}
