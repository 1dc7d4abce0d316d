package vmware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/slots"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utils"
	"github.com/cocoonstack/vmxdriver/vmx"
)

var ethernetPresentRe = regexp.MustCompile(`^ethernet(\d+)\.present$`)

// SetupAdapters replaces the VM's ethernet configuration with adapters.
// Allowlisted ethernet settings are kept unless enforce is set and the
// user has not verified them.
func (d *Driver) SetupAdapters(ctx context.Context, adapters []types.NetworkAdapter, mode types.AllowlistMode, enforce bool) error {
	logger := log.WithFunc("vmware.SetupAdapters")
	return d.VMXModify(ctx, func(doc *vmx.Document) error {
		stale, allowlisted := slots.FilterEthernetKeys(doc.Keys())
		for _, key := range stale {
			logger.Debugf(ctx, "removing VMX key: %s", key)
			doc.Delete(key)
		}
		for _, key := range allowlisted {
			switch mode {
			case types.AllowlistVerified:
				logger.Infof(ctx, "VMX allowlisting has been verified via configuration: %s", key)
			case types.AllowlistDisableWarning:
				logger.Warnf(ctx, "VMX allowlisting warning has been disabled via configuration: %s", key)
			default:
				d.allowlistWarning(ctx, key, doc.Value(key), enforce)
			}
			if enforce && mode != types.AllowlistVerified {
				logger.Warnf(ctx, "removing allowlisted VMX key %s = %q, set allowlist_verified to keep it", key, doc.Value(key))
				doc.Delete(key)
			}
		}

		for _, a := range adapters {
			key := fmt.Sprintf("ethernet%d", a.Slot)
			doc.Set(key+".present", "TRUE")
			doc.Set(key+".connectiontype", string(a.Type))
			doc.Set(key+".virtualdev", "e1000")
			if a.MACAddress != "" {
				doc.Set(key+".addresstype", "static")
				doc.Set(key+".address", a.MACAddress)
			} else {
				doc.Set(key+".addresstype", "generated")
			}
			if a.VNet != "" {
				doc.Set(key+".vnet", a.VNet)
				if a.Type == types.AdapterNAT {
					doc.Set(key+".connectiontype", string(types.AdapterCustom))
				}
			}
		}
		return nil
	})
}

// allowlistWarning warns about an allowlisted key once per VM directory.
func (d *Driver) allowlistWarning(ctx context.Context, key, value string, enforce bool) {
	logger := log.WithFunc("vmware.allowlistWarning")
	flag := filepath.Join(d.vmDir, fmt.Sprintf("vagrant-vmx-warn-%s.flg", key))
	if utils.Exists(flag) {
		return
	}
	if err := os.WriteFile(flag, nil, 0o644); err != nil { //nolint:gosec,mnd
		logger.Warnf(ctx, "create warning marker %s: %v", flag, err)
		return
	}
	if enforce {
		logger.Warnf(ctx, "VMX key %s = %q was detected and will be removed on every network setup "+
			"unless allowlist_verified is set to true", key, value)
		return
	}
	logger.Warnf(ctx, "VMX key %s = %q was detected and is preserved; "+
		"verify the setting and set allowlist_verified to silence this warning", key, value)
}

// ReadNetworkAdapters returns the present ethernet adapters ordered by slot.
func (d *Driver) ReadNetworkAdapters(ctx context.Context) ([]types.NetworkAdapter, error) {
	doc, err := d.readVMX(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.NetworkAdapter
	for _, slot := range presentSlots(doc) {
		key := fmt.Sprintf("ethernet%d", slot)
		mac := doc.Value(key + ".address")
		if mac == "" {
			mac = doc.Value(key + ".generatedaddress")
		}
		out = append(out, types.NetworkAdapter{
			Slot:       slot,
			Type:       types.AdapterType(doc.Value(key + ".connectiontype")),
			MACAddress: mac,
			VNet:       doc.Value(key + ".vnet"),
		})
	}
	return out, nil
}

// ReadMACAddresses maps 1-based adapter index to the generated MAC
// in compact uppercase form.
func (d *Driver) ReadMACAddresses(ctx context.Context) (map[int]string, error) {
	doc, err := d.readVMX(ctx)
	if err != nil {
		return nil, err
	}
	out := map[int]string{}
	for _, slot := range presentSlots(doc) {
		out[slot+1] = utils.CompactMAC(doc.Value(fmt.Sprintf("ethernet%d.generatedaddress", slot)))
	}
	return out, nil
}

func presentSlots(doc *vmx.Document) []int {
	var out []int
	for _, k := range doc.Keys() {
		m := ethernetPresentRe.FindStringSubmatch(k)
		if m == nil || doc.Value(k) != "TRUE" {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ReadIP finds an address for the guest. DHCP leases of NAT and custom
// adapters are consulted first; the in-guest query runs only when they
// yield nothing and activeLookup is set. An empty result means unknown.
func (d *Driver) ReadIP(ctx context.Context, activeLookup bool) (string, error) {
	logger := log.WithFunc("vmware.ReadIP")
	doc, err := d.readVMX(ctx)
	if err != nil {
		return "", err
	}

	for slot := slots.NATSlot; slot <= slots.MaxAdapterSlot; slot++ {
		key := fmt.Sprintf("ethernet%d", slot)
		if doc.Value(key+".present") != "TRUE" {
			continue
		}
		typ, ok := doc.Get(key + ".connectiontype")
		if !ok {
			continue
		}
		if typ != string(types.AdapterNAT) && typ != string(types.AdapterCustom) {
			logger.Debugf(ctx, "non-NAT interface on slot %d, skipping", slot)
			continue
		}
		mac := doc.Value(key + ".address")
		if mac == "" {
			mac = doc.Value(key + ".generatedaddress")
		}
		if mac == "" {
			logger.Warnf(ctx, "no MAC address on slot %d, can't determine IP", slot)
			continue
		}
		ip, err := d.readDHCPLease(ctx, d.natDevice, mac)
		if err != nil {
			return "", err
		}
		if ip != "" {
			return ip, nil
		}
	}

	if !activeLookup {
		logger.Infof(ctx, "skipping vmrun getGuestIPAddress as requested by config")
		return "", nil
	}
	res, err := d.vmrun(ctx, executor.Options{}, "getGuestIPAddress", d.vmxPath)
	if err != nil {
		var exitErr *executor.ExitError
		if errors.As(err, &exitErr) {
			logger.Infof(ctx, "vmrun getGuestIPAddress failed: %v", err)
			return "", nil
		}
		return "", err
	}
	ip := strings.TrimSpace(res.Stdout)
	switch {
	case strings.HasSuffix(ip, ".1"):
		// open-vm-tools may report the host side of a vmnet
		logger.Warnf(ctx, "vmrun getGuestIPAddress returned %s, which looks like a host address, discarding", ip)
		return "", nil
	case net.ParseIP(ip) == nil:
		logger.Infof(ctx, "vmrun getGuestIPAddress returned an invalid address %q", ip)
		return "", nil
	}
	return ip, nil
}

func (d *Driver) readDHCPLease(ctx context.Context, device, mac string) (string, error) {
	resp, err := d.api.Get(ctx, fmt.Sprintf("/vmnet/%s/dhcplease/%s", device, mac))
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", nil
	}
	return resp.String("ip")
}
