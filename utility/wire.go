package utility

import (
	"encoding/json"
	"strings"
)

// Info is the body of GET /vmware/info.
type Info struct {
	Product string `json:"product"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Type    string `json:"type"`
	License string `json:"license"`
}

// Paths is the body of GET /vmware/paths.
type Paths struct {
	Vmrun        string `json:"vmrun"`
	VMX          string `json:"vmx"`
	Vdiskmanager string `json:"vdiskmanager"`
}

// Version is the body of GET /version.
type Version struct {
	Version string `json:"version"`
}

// Vmnet describes one host virtual network device.
type Vmnet struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	DHCP   Flag   `json:"dhcp"`
	Subnet string `json:"subnet"`
	Mask   string `json:"mask"`
}

// Vmnets is the body of GET /vmnet.
type Vmnets struct {
	Num    int      `json:"num"`
	Vmnets []*Vmnet `json:"vmnets"`
}

// NewVmnet is the body of POST /vmnet.
type NewVmnet struct {
	Subnet string `json:"subnet"`
	Mask   string `json:"mask"`
}

// PortFwdGuest is the guest side of a port forward.
type PortFwdGuest struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// PortFwd is a single NAT port forward as the service stores it.
type PortFwd struct {
	Port        int           `json:"port"`
	Protocol    string        `json:"protocol"`
	Description string        `json:"description"`
	Guest       *PortFwdGuest `json:"guest"`
}

// PortFwds is the body of GET /vmnet/{device}/portforward.
type PortFwds struct {
	Num          int        `json:"num"`
	PortForwards []*PortFwd `json:"port_forwards"`
}

// MacToIP is the body of GET /vmnet/{device}/dhcplease/{mac}.
type MacToIP struct {
	Vmnet string `json:"vmnet"`
	MAC   string `json:"mac"`
	IP    string `json:"ip"`
}

// Flag accepts a JSON boolean or the service's "yes"/"no" strings.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*f = Flag(t)
	case string:
		switch strings.ToLower(t) {
		case "yes", "true", "1", "on":
			*f = true
		default:
			*f = false
		}
	default:
		*f = false
	}
	return nil
}
