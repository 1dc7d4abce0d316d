package utils

import (
	"regexp"
	"strings"
)

var macRe = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// FormatMAC turns a compact MAC ("005056AABBCC") into colon form.
// Input that already contains colons is only uppercased.
func FormatMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if strings.Contains(mac, ":") {
		return mac
	}
	var parts []string
	for i := 0; i+2 <= len(mac); i += 2 {
		parts = append(parts, mac[i:i+2])
	}
	return strings.Join(parts, ":")
}

// CompactMAC returns the uppercase MAC without separators.
func CompactMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
}

// ValidMAC reports whether mac is an uppercase colon-separated address.
func ValidMAC(mac string) bool {
	return macRe.MatchString(mac)
}
