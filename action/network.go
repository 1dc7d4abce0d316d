package action

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/network"
	"github.com/cocoonstack/vmxdriver/types"
)

const (
	guestIPAttempts = 5
	guestIPInterval = 2 * time.Second
	// The NAT DHCP server hands out .128-.253; .2-.127 is free for static use.
	reservationPrefix = 25
)

// CheckExistingNetwork verifies the vmnet devices are healthy.
func CheckExistingNetwork(ctx context.Context, env *Env, next Next) error {
	log.WithFunc("action.CheckExistingNetwork").Infof(ctx, "verifying vmnet devices are healthy")
	if err := env.withNetworkLock(ctx, func() error {
		return env.Host.VerifyVmnet(ctx)
	}); err != nil {
		return err
	}
	return next(ctx)
}

// PruneForwardedPorts drops NAT mappings of VMs that no longer exist.
func PruneForwardedPorts(ctx context.Context, env *Env, next Next) error {
	log.WithFunc("action.PruneForwardedPorts").Infof(ctx, "pruning forwarded ports")
	if err := env.withNetworkLock(ctx, func() error {
		return env.Host.PruneForwardedPorts(ctx)
	}); err != nil {
		return err
	}
	return next(ctx)
}

// Network writes the planned adapters into the VMX before boot and derives
// the guest network configuration after it.
func Network(ctx context.Context, env *Env, next Next) error {
	logger := log.WithFunc("action.Network")
	m := env.Machine
	drv, err := env.Driver()
	if err != nil {
		return err
	}

	logger.Infof(ctx, "determining network adapters required for high-level configuration")
	reqs, err := network.Plan(m, env.Host.NATDevice())
	if err != nil {
		return err
	}
	compiler := &network.Compiler{Host: env.Host, LoadRoutes: env.LoadRoutes}
	adapters, guests, err := compiler.Compile(ctx, reqs)
	if err != nil {
		return err
	}
	if len(adapters) > 0 {
		logger.Infof(ctx, "enabling %d network adapters", len(adapters))
		if err := env.withNetworkLock(ctx, func() error {
			return drv.SetupAdapters(ctx, adapters, m.Provider.AllowlistVerified, m.Provider.EnforceAllowlist)
		}); err != nil {
			return err
		}
	}

	if err := next(ctx); err != nil {
		return err
	}

	if len(guests) > 0 {
		present, err := drv.ReadNetworkAdapters(ctx)
		if err != nil {
			return err
		}
		env.GuestNetworks = network.GuestConfig(guests, adapters, present)
		for _, g := range env.GuestNetworks {
			logger.Infof(ctx, "guest interface %d: %s %s/%s", g.Interface, g.Type, g.IP, g.Netmask)
		}
	}
	return nil
}

// BaseMacToIP reserves base_address for base_mac on the NAT DHCP server.
func BaseMacToIP(ctx context.Context, env *Env, next Next) error {
	p := env.Machine.Provider
	if p.BaseAddress != "" {
		nat := env.Host.NATDevice()
		if err := validateBaseAddress(ctx, env.Host, p.BaseAddress, nat); err != nil {
			return err
		}
		if err := env.Host.ReserveDHCPAddress(ctx, p.BaseAddress, p.BaseMAC, nat); err != nil {
			return err
		}
		log.WithFunc("action.BaseMacToIP").Infof(ctx, "mapped %s to %s on %s", p.BaseMAC, p.BaseAddress, nat)
	}
	return next(ctx)
}

func validateBaseAddress(ctx context.Context, host driver.Host, address, nat string) error {
	devices, err := host.ReadVmnetDevices(ctx)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(devices, func(d types.VmnetDevice) bool { return d.Name == nat })
	if i < 0 {
		return fmt.Errorf("%w: %s", driver.ErrMissingNATDevice, nat)
	}
	subnet := net.ParseIP(devices[i].HostonlySubnet).To4()
	if subnet == nil {
		return fmt.Errorf("%w: %s has no IPv4 subnet", driver.ErrMissingNATDevice, nat)
	}
	mask := net.CIDRMask(reservationPrefix, 32) //nolint:mnd
	ipnet := &net.IPNet{IP: subnet.Mask(mask), Mask: mask}
	ip := net.ParseIP(address)
	if strings.HasSuffix(address, ".1") || ip == nil || !ipnet.Contains(ip) {
		first := slices.Clone(ipnet.IP)
		first[3] += 2
		last := slices.Clone(ipnet.IP)
		last[3] |= ^mask[3]
		return fmt.Errorf("%w: %s (valid %s - %s)", driver.ErrBaseAddressRange, address, first, last)
	}
	return nil
}

// ForwardPorts maps the declared forwarded ports to the guest address and
// records them in the machine's data directory.
func ForwardPorts(ctx context.Context, env *Env, next Next) error {
	logger := log.WithFunc("action.ForwardPorts")
	m := env.Machine
	drv, err := env.Driver()
	if err != nil {
		return err
	}

	var defs []types.PortForward
	for _, n := range m.ForwardedPorts() {
		defs = append(defs, types.PortForward{
			Device:    env.Host.NATDevice(),
			Protocol:  n.Protocol,
			HostPort:  n.HostPort,
			GuestPort: n.GuestPort,
		})
	}

	if len(defs) > 0 {
		if err := checkPortCollisions(ctx, env.Host, defs); err != nil {
			return err
		}
		ip, err := guestIP(ctx, env, drv)
		if err != nil {
			return err
		}
		logger.Infof(ctx, "forwarding ports")
		for i := range defs {
			defs[i].GuestIP = ip
			logger.Infof(ctx, "  - %d => %d (%s)", defs[i].GuestPort, defs[i].HostPort, defs[i].Protocol)
		}
		if err := drv.ForwardPorts(ctx, defs); err != nil {
			return err
		}
	}

	if err := recordForwardedPorts(env.Conf.ForwardedPorts(m.Name), defs); err != nil {
		return err
	}

	if pause := m.Provider.PortForwardNetworkPause; pause > 0 {
		logger.Infof(ctx, "pausing for network to stabilize (%d seconds)", pause)
		if err := env.pause(ctx, time.Duration(pause)*time.Second); err != nil {
			return err
		}
	}
	return next(ctx)
}

func checkPortCollisions(ctx context.Context, host driver.Host, defs []types.PortForward) error {
	used, err := host.AllForwardedPorts(ctx)
	if err != nil {
		return err
	}
	var collide []int
	for _, d := range defs {
		if slices.Contains(used, d.HostPort) && !slices.Contains(collide, d.HostPort) {
			collide = append(collide, d.HostPort)
		}
	}
	if len(collide) == 0 {
		return nil
	}
	slices.Sort(collide)
	ports := make([]string, len(collide))
	for i, p := range collide {
		ports[i] = fmt.Sprint(p)
	}
	return fmt.Errorf("%w: %s", driver.ErrForwardedPortsCollide, strings.Join(ports, ", "))
}

func guestIP(ctx context.Context, env *Env, drv driver.Driver) (string, error) {
	logger := log.WithFunc("action.guestIP")
	for attempt := range guestIPAttempts {
		ip, err := drv.ReadIP(ctx, env.Machine.Provider.VmrunIPLookup())
		if err != nil {
			logger.Debugf(ctx, "read ip: %v", err)
		}
		if ip != "" {
			return ip, nil
		}
		if attempt < guestIPAttempts-1 {
			if err := env.pause(ctx, guestIPInterval); err != nil {
				return "", err
			}
		}
	}
	return "", driver.ErrNoGuestIP
}

// recordForwardedPorts writes host port -> guest port as JSON.
func recordForwardedPorts(path string, defs []types.PortForward) error {
	ports := make(map[int]int, len(defs))
	for _, d := range defs {
		ports[d.HostPort] = d.GuestPort
	}
	data, err := json.Marshal(ports)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil { //nolint:mnd
		return fmt.Errorf("write forwarded ports: %w", err)
	}
	return nil
}
