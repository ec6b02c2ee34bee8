package netstack

import (
	"strings"

	"github.com/miekg/dns"
)

// validHostName accepts a single DNS label suitable for DHCP option 12.
func validHostName(name string) bool {
	if len(name) == 0 || len(name) > 63 || strings.Contains(name, ".") {
		return false
	}
	labels, ok := dns.IsDomainName(name)
	return ok && labels == 1
}

// parseDomainOption decodes DHCP option 15. Values that are not a valid
// domain name are ignored.
func parseDomainOption(b []byte) string {
	name := strings.TrimRight(string(b), "\x00")
	if name == "" {
		return ""
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return ""
	}
	return dns.Fqdn(name)
}
