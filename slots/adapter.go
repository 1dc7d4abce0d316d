package slots

import (
	"errors"
	"slices"
)

const (
	// NATSlot is the adapter slot reserved for the default NAT interface.
	NATSlot = 0
	// MaxAdapterSlot is the highest ethernet slot the hypervisor supports.
	MaxAdapterSlot = 8
)

// ErrNoFreeSlot is returned when every adapter slot is taken.
var ErrNoFreeSlot = errors.New("no free network adapter slot")

// AssignAdapterSlots picks the lowest free slot in 1..MaxAdapterSlot for each
// of the n requests, in order. occupied holds slots already claimed by
// explicit adapter configuration. The input is not modified.
func AssignAdapterSlots(occupied []int, n int) ([]int, error) {
	taken := make(map[int]struct{}, len(occupied))
	for _, s := range occupied {
		taken[s] = struct{}{}
	}
	var free []int
	for s := NATSlot + 1; s <= MaxAdapterSlot; s++ {
		if _, ok := taken[s]; !ok {
			free = append(free, s)
		}
	}
	if n > len(free) {
		return nil, ErrNoFreeSlot
	}
	return free[:n:n], nil
}

// InterfaceNumbers maps each in-use adapter slot to the guest interface
// index it shows up as: the slots' position in ascending order.
func InterfaceNumbers(inUse []int) map[int]int {
	sorted := slices.Clone(inUse)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	out := make(map[int]int, len(sorted))
	for i, s := range sorted {
		out[s] = i
	}
	return out
}
