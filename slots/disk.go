package slots

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
)

// Bus families understood by the hypervisor.
const (
	BusNVMe = "nvme"
	BusSATA = "sata"
	BusIDE  = "ide"
	BusSCSI = "scsi"
)

// BusTypes lists the bus families in lookup order.
var BusTypes = []string{BusNVMe, BusSATA, BusIDE, BusSCSI}

// PrimaryDiskSlots are the well-known boot disk addresses, in priority order.
var PrimaryDiskSlots = []string{"nvme0:0", "scsi0:0", "sata0:0", "ide0:0"}

// unitLimits is the number of addressable units per bus instance.
var unitLimits = map[string]int{
	BusIDE:  2,
	BusSATA: 30,
	BusSCSI: 16,
	BusNVMe: 15,
}

// reservedUnits are never handed out. Unit 7 is the SCSI controller's own ID
// on its bus, so no disk can sit there.
var reservedUnits = map[string]map[int]struct{}{
	BusSCSI: {7: {}},
}

var addrRe = regexp.MustCompile(`^([a-z]+)(\d+):(\d+)$`)

// Address is a storage device location such as scsi0:1.
type Address struct {
	Bus    string
	Number int
	Unit   int
}

func (a Address) String() string {
	return fmt.Sprintf("%s%d:%d", a.Bus, a.Number, a.Unit)
}

// ParseAddress parses "<bus><n>:<unit>".
func ParseAddress(s string) (Address, bool) {
	m := addrRe.FindStringSubmatch(s)
	if m == nil {
		return Address{}, false
	}
	n, _ := strconv.Atoi(m[2])
	u, _ := strconv.Atoi(m[3])
	return Address{Bus: m[1], Number: n, Unit: u}, true
}

// ValidBus reports whether bus is a known family.
func ValidBus(bus string) bool {
	return slices.Contains(BusTypes, bus)
}

// NextDiskSlot returns the first free address on the given bus family.
// occupied holds attached addresses of any family; other families are ignored.
// Buses are scanned in ascending number, units from 0 up to the family's
// per-bus limit. When every known bus is full a new bus is opened at unit 0.
// Bus 0 is always considered present. The result depends only on the inputs.
func NextDiskSlot(bus string, occupied []string) string {
	buses := map[int]map[int]struct{}{0: {}}
	for _, s := range occupied {
		a, ok := ParseAddress(s)
		if !ok || a.Bus != bus {
			continue
		}
		if buses[a.Number] == nil {
			buses[a.Number] = map[int]struct{}{}
		}
		buses[a.Number][a.Unit] = struct{}{}
	}

	numbers := make([]int, 0, len(buses))
	for n := range buses {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)

	limit := unitLimit(bus)
	for _, n := range numbers {
		used := buses[n]
		for u := range limit {
			if _, reserved := reservedUnits[bus][u]; reserved {
				continue
			}
			if _, taken := used[u]; !taken {
				return Address{Bus: bus, Number: n, Unit: u}.String()
			}
		}
	}
	return Address{Bus: bus, Number: numbers[len(numbers)-1] + 1, Unit: 0}.String()
}

func unitLimit(bus string) int {
	if l, ok := unitLimits[bus]; ok {
		return l
	}
	return unitLimits[BusSCSI]
}
