// Package routing answers which host interface an address would be routed
// to. Host-only network setup uses it to detect subnets already claimed by
// another device.
package routing

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedOS is returned by Load on hosts without a route source.
	ErrUnsupportedOS = errors.New("routing table is not supported on this OS")
	// ErrCommandNotFound is returned when the route listing tool is missing.
	ErrCommandNotFound = errors.New("routing table command not found")

	vmwareAdapterRe = regexp.MustCompile(`^VMware Network Adapter (.+?)$`)
)

// Route maps a destination network to the device that serves it.
type Route struct {
	Destination *net.IPNet
	Device      string
}

// Table is an immutable snapshot of the host IPv4 routes.
type Table struct {
	routes []Route
}

// New builds a table from routes.
func New(routes []Route) *Table {
	return &Table{routes: routes}
}

// Routes returns the routes in load order.
func (t *Table) Routes() []Route { return t.routes }

// DeviceForRoute returns the device of the most specific route containing
// ip. Default routes are never part of the table, so false means the
// address would go out the default route.
func (t *Table) DeviceForRoute(ip net.IP) (string, bool) {
	ip = ip.To4()
	if ip == nil {
		return "", false
	}
	best, bestOnes := "", -1
	for _, r := range t.routes {
		if !r.Destination.Contains(ip) {
			continue
		}
		if ones, _ := r.Destination.Mask.Size(); ones > bestOnes {
			best, bestOnes = r.Device, ones
		}
	}
	return best, bestOnes >= 0
}

// ParseNetstatDarwin parses `netstat -nr -f inet` output. BSD netstat
// abbreviates destinations: "10.0.1/24", "192.168.51" and "127" all omit
// trailing zero octets, and a missing mask covers only the given octets.
func ParseNetstatDarwin(out string) ([]Route, error) {
	var routes []Route
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] < '0' || line[0] > '9' {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 6 { //nolint:mnd
			continue
		}
		dst, err := expandDarwinDestination(parts[0])
		if err != nil {
			return nil, err
		}
		routes = append(routes, Route{Destination: dst, Device: parts[5]})
	}
	return routes, sc.Err()
}

func expandDarwinDestination(dest string) (*net.IPNet, error) {
	addr, mask, hasMask := strings.Cut(dest, "/")
	octets := strings.Split(addr, ".")
	if len(octets) > net.IPv4len {
		return nil, fmt.Errorf("parse route destination %q", dest)
	}
	ones := 8 * len(octets) //nolint:mnd
	for len(octets) < net.IPv4len {
		octets = append(octets, "0")
	}
	if hasMask {
		n, err := strconv.Atoi(mask)
		if err != nil {
			return nil, fmt.Errorf("parse route mask %q: %w", dest, err)
		}
		ones = n
	}
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", strings.Join(octets, "."), ones))
	if err != nil {
		return nil, fmt.Errorf("parse route destination %q: %w", dest, err)
	}
	return ipnet, nil
}

// ParseNetsh parses `netsh interface ip show route` output. VMware adapters
// are reported by their lowercase vmnet name.
func ParseNetsh(out string) ([]Route, error) {
	var routes []Route
	sc := bufio.NewScanner(strings.NewReader(strings.ReplaceAll(out, "\r\n", "\n")))
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) < 6 { //nolint:mnd
			continue
		}
		if _, err := strconv.Atoi(parts[2]); err != nil {
			continue
		}
		if parts[3] == "0.0.0.0/0" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(parts[3])
		if err != nil {
			return nil, fmt.Errorf("parse route prefix %q: %w", parts[3], err)
		}
		device := strings.Join(parts[5:], " ")
		if m := vmwareAdapterRe.FindStringSubmatch(device); m != nil {
			device = strings.ToLower(m[1])
		}
		routes = append(routes, Route{Destination: ipnet, Device: device})
	}
	return routes, sc.Err()
}
