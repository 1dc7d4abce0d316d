package routing

import (
	"net"
	"testing"
)

const darwinNetstat = `Routing tables

Internet:
Destination        Gateway            Flags        Refs      Use   Netif Expire
0/1                10.137.0.9         UGSc           66        0   utun0
default            10.0.1.1           UGSc           26        0     en0
10.0.1/24          link#4             UCS             4        0     en0
10.0.1.1           b8:c7:5d:ce:8f:6b  UHLWIir        27     3395     en0    702
10.0.1.48          b8:c7:5d:ce:8f:6b  UHLWIi          0        0     en0   1176
33.33.33/24        link#8             UC              2        0  vmnet3
33.33.33.255       ff:ff:ff:ff:ff:ff  UHLWbI          0       21  vmnet3
127                127.0.0.1          UCS             0        0     lo0
127.0.0.1          127.0.0.1          UH              7    71930     lo0
192.168.51         link#6             UC              2        0  vmnet1
192.168.51.1       0:50:56:c0:0:1     UHLWIi          1       12     lo0
192.168.1          link#4             UCS             0        0     en1
192.168.102        link#4             UCS             0        0  vmnet4
`

const windowsNetsh = "\r\nPublish  Type      Met  Prefix                    Idx  Gateway/Interface Name\r\n" +
	"-------  --------  ---  ------------------------  ---  ------------------------\r\n" +
	"No       Manual    0    0.0.0.0/0                  13  192.168.1.1\r\n" +
	"No       System    256  127.0.0.0/8                 1  Loopback Pseudo-Interface 1\r\n" +
	"No       System    256  192.168.1.0/24             13  Wi-Fi\r\n" +
	"No       System    256  192.168.222.0/24           23  VMware Network Adapter VMnet8\r\n"

func mustTable(t *testing.T, routes []Route, err error) *Table {
	t.Helper()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return New(routes)
}

func TestDeviceForRoute_Darwin(t *testing.T) {
	table := mustTable(t, ParseNetstatDarwin(darwinNetstat))
	cases := []struct {
		ip     string
		device string
		ok     bool
	}{
		{"127.1.2.3", "lo0", true},
		{"10.0.1.48", "en0", true},
		{"33.33.33.10", "vmnet3", true},
		{"33.33.33.0", "vmnet3", true},
		{"192.168.102.1", "vmnet4", true},
		{"192.168.51.1", "lo0", true},
		{"255.255.255.255", "", false},
	}
	for _, tc := range cases {
		got, ok := table.DeviceForRoute(net.ParseIP(tc.ip))
		if got != tc.device || ok != tc.ok {
			t.Errorf("%s: got %q %v, want %q %v", tc.ip, got, ok, tc.device, tc.ok)
		}
	}
}

func TestDeviceForRoute_Netsh(t *testing.T) {
	table := mustTable(t, ParseNetsh(windowsNetsh))
	if got, _ := table.DeviceForRoute(net.ParseIP("192.168.1.231")); got != "Wi-Fi" {
		t.Errorf("got %q", got)
	}
	if got, _ := table.DeviceForRoute(net.ParseIP("192.168.222.7")); got != "vmnet8" {
		t.Errorf("vmware adapter = %q", got)
	}
	if _, ok := table.DeviceForRoute(net.ParseIP("8.8.8.8")); ok {
		t.Error("default route should not match")
	}
}

func TestDeviceForRoute_MostSpecificWins(t *testing.T) {
	_, wide, _ := net.ParseCIDR("10.0.0.0/8")
	_, narrow, _ := net.ParseCIDR("10.1.0.0/16")
	table := New([]Route{{Destination: wide, Device: "eth0"}, {Destination: narrow, Device: "vmnet2"}})

	if got, _ := table.DeviceForRoute(net.ParseIP("10.1.2.3")); got != "vmnet2" {
		t.Errorf("got %q", got)
	}
	if got, _ := table.DeviceForRoute(net.ParseIP("10.2.0.1")); got != "eth0" {
		t.Errorf("got %q", got)
	}
	if _, ok := table.DeviceForRoute(net.ParseIP("fe80::1")); ok {
		t.Error("ipv6 should never match")
	}
}

func TestParseNetstatDarwin_BadDestination(t *testing.T) {
	if _, err := ParseNetstatDarwin("1.2.3.4.5   link#1  UC  0 0 en0\n"); err == nil {
		t.Fatal("expected parse error")
	}
}
