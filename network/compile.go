package network

import (
	"context"
	"fmt"
	"net"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/routing"
	"github.com/cocoonstack/vmxdriver/slots"
	"github.com/cocoonstack/vmxdriver/types"
)

// VmnetHost looks up and creates host virtual networks.
type VmnetHost interface {
	ReadVmnetDevices(ctx context.Context) ([]types.VmnetDevice, error)
	CreateVmnetDevice(ctx context.Context, subnet, mask string) (*types.VmnetDevice, error)
}

// Router answers which device an address routes to.
type Router interface {
	DeviceForRoute(ip net.IP) (string, bool)
}

var _ Router = (*routing.Table)(nil)

// Compiler resolves planned networks into VMX adapters.
type Compiler struct {
	Host VmnetHost
	// LoadRoutes is called at most once, the first time a static host-only
	// network needs a collision check.
	LoadRoutes func(ctx context.Context) (Router, error)

	routes Router
}

// Compile returns one adapter and one guest network per request, in order.
func (c *Compiler) Compile(ctx context.Context, reqs []Request) ([]types.NetworkAdapter, []types.GuestNetwork, error) {
	logger := log.WithFunc("network.Compile")
	adapters := make([]types.NetworkAdapter, 0, len(reqs))
	guests := make([]types.GuestNetwork, 0, len(reqs))
	for _, req := range reqs {
		logger.Infof(ctx, "slot %d. type: %s", req.Slot, req.Kind.AdapterType())
		adapter, err := c.adapter(ctx, req.Kind)
		if err != nil {
			return nil, nil, err
		}
		adapter.Slot = req.Slot
		adapters = append(adapters, adapter)
		guests = append(guests, req.Kind.Guest())
		logger.Debugf(ctx, "adapter configuration: %+v", adapter)
	}
	return adapters, guests, nil
}

func (c *Compiler) adapter(ctx context.Context, kind Kind) (types.NetworkAdapter, error) {
	switch k := kind.(type) {
	case NAT:
		return types.NetworkAdapter{Type: types.AdapterNAT, MACAddress: k.MACAddress, VNet: k.VNet}, nil
	case Bridged:
		return types.NetworkAdapter{Type: types.AdapterBridged, MACAddress: k.MACAddress}, nil
	case Hostonly:
		if k.Type != types.AddressStatic {
			return types.NetworkAdapter{Type: types.AdapterHostonly}, nil
		}
		return c.staticHostonly(ctx, k)
	}
	return types.NetworkAdapter{}, fmt.Errorf("unsupported network kind %T", kind)
}

// staticHostonly finds the vmnet serving the subnet, refusing addresses
// already routed to another device, and creates the vmnet when missing.
func (c *Compiler) staticHostonly(ctx context.Context, h Hostonly) (types.NetworkAdapter, error) {
	logger := log.WithFunc("network.staticHostonly")
	devices, err := c.Host.ReadVmnetDevices(ctx)
	if err != nil {
		return types.NetworkAdapter{}, err
	}
	var vmnet *types.VmnetDevice
	for i := range devices {
		if devices[i].HostonlySubnet == h.SubnetIP {
			logger.Infof(ctx, "found matching vmnet device: %s", devices[i].Name)
			vmnet = &devices[i]
			break
		}
	}

	routes, err := c.router(ctx)
	if err != nil {
		return types.NetworkAdapter{}, err
	}
	if device, ok := routes.DeviceForRoute(net.ParseIP(h.IP)); ok && (vmnet == nil || device != vmnet.Name) {
		return types.NetworkAdapter{}, fmt.Errorf("%w: %s already routes to %s", driver.ErrHostOnlyCollision, h.IP, device)
	}

	if vmnet == nil {
		logger.Infof(ctx, "no collisions detected, creating vmnet device for %s/%s", h.SubnetIP, h.Netmask)
		if vmnet, err = c.Host.CreateVmnetDevice(ctx, h.SubnetIP, h.Netmask); err != nil {
			return types.NetworkAdapter{}, err
		}
	}
	return types.NetworkAdapter{Type: types.AdapterCustom, MACAddress: h.MACAddress, VNet: vmnet.Name}, nil
}

func (c *Compiler) router(ctx context.Context) (Router, error) {
	if c.routes != nil {
		return c.routes, nil
	}
	routes, err := c.LoadRoutes(ctx)
	if err != nil {
		return nil, err
	}
	c.routes = routes
	return routes, nil
}

// GuestConfig numbers guests[i] by the interface position of adapters[i]
// among the VM's present adapters and returns the auto-configured ones.
func GuestConfig(guests []types.GuestNetwork, adapters, present []types.NetworkAdapter) []types.GuestNetwork {
	inUse := make([]int, 0, len(present))
	for _, a := range present {
		inUse = append(inUse, a.Slot)
	}
	numbers := slots.InterfaceNumbers(inUse)
	var out []types.GuestNetwork
	for i := range guests {
		guests[i].Interface = numbers[adapters[i].Slot]
		if guests[i].AutoConfig {
			out = append(out, guests[i])
		}
	}
	return out
}
