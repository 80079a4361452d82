// Package ipcidr parses CIDR network addresses that may carry a
// bracket-quoted IPv6 address, following the grammar of
// original_source/ipcidr/src/lib.rs. It supplements the port-forward
// rule model (C4) with the address/port shorthand used by spec §8's
// boundary test.
package ipcidr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// CIDR is an address plus prefix length, accepting both IPv4 and IPv6.
type CIDR struct {
	Addr netip.Addr
	Mask int
}

func (c CIDR) String() string {
	return fmt.Sprintf("%s/%d", c.Addr, c.Mask)
}

// ToSingleton returns the CIDR narrowed to a /32 or /128 host route,
// matching IpCidr::to_singleton in the original implementation.
func (c CIDR) ToSingleton() CIDR {
	if c.Addr.Is4() {
		return CIDR{Addr: c.Addr, Mask: 32}
	}
	return CIDR{Addr: c.Addr, Mask: 128}
}

func stripBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1]
	}
	return s
}

// Parse accepts "addr", "addr/mask", or "[addr]/mask" (IPv6 bracketed
// form), mirroring ipcidr::IpCidr::from_str.
func Parse(s string) (CIDR, error) {
	netPart, maskPart, hasMask := strings.Cut(s, "/")
	addr, err := netip.ParseAddr(stripBrackets(netPart))
	if err != nil {
		return CIDR{}, fmt.Errorf("ipcidr: invalid address %q: %w", netPart, err)
	}

	maxMask := 32
	if addr.Is6() {
		maxMask = 128
	}
	if !hasMask {
		return CIDR{Addr: addr, Mask: maxMask}, nil
	}

	mask, err := strconv.Atoi(maskPart)
	if err != nil {
		return CIDR{}, fmt.Errorf("ipcidr: invalid mask %q", maskPart)
	}
	if mask < 0 || mask > maxMask {
		return CIDR{}, fmt.Errorf("ipcidr: mask %d out of range for %s", mask, addr)
	}
	return CIDR{Addr: addr, Mask: mask}, nil
}
