package routing

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/vishvananda/netlink"

	"github.com/cocoonstack/vmxdriver/executor"
)

// Load reads the main IPv4 route table over netlink.
func Load(ctx context.Context, _ executor.Runner) (*Table, error) {
	logger := log.WithFunc("routing.Load")
	list, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	names := map[int]string{}
	var routes []Route
	for _, r := range list {
		if r.Dst == nil || r.Dst.IP.IsUnspecified() {
			continue
		}
		name, ok := names[r.LinkIndex]
		if !ok {
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				logger.Debugf(ctx, "skip route %s: link %d: %v", r.Dst, r.LinkIndex, err)
				continue
			}
			name = link.Attrs().Name
			names[r.LinkIndex] = name
		}
		routes = append(routes, Route{Destination: r.Dst, Device: name})
	}
	logger.Debugf(ctx, "loaded %d routes", len(routes))
	return New(routes), nil
}
