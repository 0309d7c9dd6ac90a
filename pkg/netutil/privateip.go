// Package netutil holds small net.IP predicates used by the admin
// front-end to validate a registration's advertised address.
package netutil

import "net"

var (
	rfc1918Blocks = mustParseCIDRs(
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
	)
	// fc00::/7 is the correct ULA range (RFC 4193), superseding the
	// original source's simple string-prefix checks ("fd::", "fd0::",
	// "fd00::") per the Open Question resolution in SPEC_FULL.md.
	ula = mustParseCIDR("fc00::/7")
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func mustParseCIDRs(ss ...string) []*net.IPNet {
	out := make([]*net.IPNet, len(ss))
	for i, s := range ss {
		out[i] = mustParseCIDR(s)
	}
	return out
}

// IsPrivate reports whether ipString parses as either an RFC1918 IPv4
// address or a ULA (fc00::/7) IPv6 address, the only advertised-local-ip
// values spec.md §3 accepts for registration.
func IsPrivate(ipString string) bool {
	ip := net.ParseIP(ipString)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		for _, block := range rfc1918Blocks {
			if block.Contains(v4) {
				return true
			}
		}
		return false
	}
	return ula.Contains(ip)
}
