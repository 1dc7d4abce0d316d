package vmware

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utility"
)

// descriptionPrefix tags forwards so the helper can prune ones whose VMX is gone.
const descriptionPrefix = "vagrant: "

// ListForwardedPorts returns every mapping on the NAT device.
func (h *Host) ListForwardedPorts(ctx context.Context) ([]*utility.PortFwd, error) {
	var fwds utility.PortFwds
	if err := h.getJSON(ctx, fmt.Sprintf("/vmnet/%s/portforward", h.natDevice), "port forward list", &fwds); err != nil {
		return nil, err
	}
	return fwds.PortForwards, nil
}

// AllForwardedPorts returns the host ports in use on the NAT device.
func (h *Host) AllForwardedPorts(ctx context.Context) ([]int, error) {
	fwds, err := h.ListForwardedPorts(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(fwds))
	for _, f := range fwds {
		ports = append(ports, f.Port)
	}
	return ports, nil
}

// ForwardedPortsByIP groups mappings as guest ip -> protocol -> guest port -> host port.
func (h *Host) ForwardedPortsByIP(ctx context.Context) (map[string]map[string]map[int]int, error) {
	fwds, err := h.ListForwardedPorts(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]map[string]map[int]int{}
	for _, f := range fwds {
		if f.Guest == nil {
			continue
		}
		proto := strings.ToLower(f.Protocol)
		if proto != "tcp" && proto != "udp" {
			return nil, fmt.Errorf("%w: %s %s:%d -> %d", driver.ErrInvalidProtocol, proto, f.Guest.IP, f.Guest.Port, f.Port)
		}
		if out[f.Guest.IP] == nil {
			out[f.Guest.IP] = map[string]map[int]int{"tcp": {}, "udp": {}}
		}
		out[f.Guest.IP][proto][f.Guest.Port] = f.Port
	}
	return out, nil
}

// HostPortForward returns the host port mapped to ip:guestPort over proto.
func (h *Host) HostPortForward(ctx context.Context, ip, proto string, guestPort int) (int, bool, error) {
	proto = strings.ToLower(proto)
	if proto != "tcp" && proto != "udp" {
		return 0, false, fmt.Errorf("%w: %s", driver.ErrInvalidProtocol, proto)
	}
	byIP, err := h.ForwardedPortsByIP(ctx)
	if err != nil {
		return 0, false, err
	}
	port, ok := byIP[ip][proto][guestPort]
	return port, ok, nil
}

// PruneForwardedPorts asks the helper to drop mappings of VMs that no longer exist.
func (h *Host) PruneForwardedPorts(ctx context.Context) error {
	log.WithFunc("vmware.PruneForwardedPorts").Debugf(ctx, "requesting prune of unused port forwards")
	resp, err := h.api.Delete(ctx, "/portforwards", nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apiError("port forward prune", resp)
	}
	return nil
}

// ForwardPorts installs defs. Newer helpers take one request per device,
// older ones one request per port.
func (d *Driver) ForwardPorts(ctx context.Context, defs []types.PortForward) error {
	logger := log.WithFunc("vmware.ForwardPorts")
	description := descriptionPrefix + d.vmxPath

	if d.utilityVersion.GreaterThan(batchForwardVersion) {
		logger.Debugf(ctx, "forwarding %d ports via collection method", len(defs))
		var order []string
		byDevice := map[string][]*utility.PortFwd{}
		for _, def := range defs {
			if _, ok := byDevice[def.Device]; !ok {
				order = append(order, def.Device)
			}
			byDevice[def.Device] = append(byDevice[def.Device], toPortFwd(def, description))
		}
		for _, device := range order {
			if err := d.putForward(ctx, device, byDevice[device]); err != nil {
				return err
			}
		}
		return nil
	}

	logger.Debugf(ctx, "forwarding %d ports via individual method", len(defs))
	for _, def := range defs {
		if err := d.putForward(ctx, def.Device, toPortFwd(def, description)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) putForward(ctx context.Context, device string, payload any) error {
	resp, err := d.api.Put(ctx, fmt.Sprintf("/vmnet/%s/portforward", device), payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apiError("port forward", resp)
	}
	return nil
}

// ScrubForwardedPorts removes every mapping on the NAT device, including
// ones this tool did not create.
func (d *Driver) ScrubForwardedPorts(ctx context.Context) error {
	fwds, err := d.ListForwardedPorts(ctx)
	if err != nil || len(fwds) == 0 {
		return err
	}
	path := fmt.Sprintf("/vmnet/%s/portforward", d.natDevice)
	if d.utilityVersion.GreaterThan(batchScrubVersion) {
		return d.deleteForward(ctx, path, fwds)
	}
	for _, f := range fwds {
		if err := d.deleteForward(ctx, path, f); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) deleteForward(ctx context.Context, path string, payload any) error {
	resp, err := d.api.Delete(ctx, path, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apiError("port forward prune", resp)
	}
	return nil
}

func toPortFwd(def types.PortForward, description string) *utility.PortFwd {
	proto := strings.ToLower(def.Protocol)
	if proto == "" {
		proto = "tcp"
	}
	if def.Description != "" {
		description = def.Description
	}
	return &utility.PortFwd{
		Port:        def.HostPort,
		Protocol:    proto,
		Description: description,
		Guest:       &utility.PortFwdGuest{IP: def.GuestIP, Port: def.GuestPort},
	}
}
