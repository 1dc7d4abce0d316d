package slots

import (
	"regexp"
	"slices"
)

// EthernetAllowlist holds ethernetN.* settings that survive adapter reconfiguration.
var EthernetAllowlist = []string{"pcislotnumber"}

var ethernetKeyRe = regexp.MustCompile(`^ethernet\d\.(.+)$`)

// EthernetSetting returns the setting name of an ethernetN.* key.
func EthernetSetting(key string) (string, bool) {
	m := ethernetKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FilterEthernetKeys splits the ethernet keys among keys into the ones a
// reconfiguration clears and the allowlisted ones. Other keys are ignored.
func FilterEthernetKeys(keys []string) (stale, allowlisted []string) {
	for _, k := range keys {
		setting, ok := EthernetSetting(k)
		switch {
		case !ok:
		case slices.Contains(EthernetAllowlist, setting):
			allowlisted = append(allowlisted, k)
		default:
			stale = append(stale, k)
		}
	}
	return stale, allowlisted
}
