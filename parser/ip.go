package parser

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrInvalidIP   = errors.New("bad ip literal")
	ErrInvalidCIDR = errors.New("cidr out of range")
)

// ParseIP parses a client address the way an MTA hands it over: a dotted
// quad, an IPv6 address (IPv4-mapped forms included) or an address literal
// in brackets such as "[192.0.2.1]" or "[IPv6:2001:db8::1]".
//
// IPv4 and IPv4-mapped IPv6 addresses are returned in their 4-byte form so
// that they are matched against ip4 mechanisms and A records.
func ParseIP(s string) (net.IP, error) {
	s = strings.TrimSpace(s)
	if IsAddressLiteral(s) {
		s = s[1 : len(s)-1]
		if len(s) >= 5 && strings.EqualFold(s[:5], "ipv6:") {
			s = s[5:]
		}
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4, nil
	}
	return ip, nil
}

// IsAddressLiteral reports whether s is a bracketed address literal as used
// in HELO arguments and in the domain part of mailbox addresses.
func IsAddressLiteral(s string) bool {
	return len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']'
}

// parseIP4Network parses the argument of an ip4 mechanism: "a.b.c.d" with an
// optional "/n".  Without a prefix length a single host (/32) is meant.
func parseIP4Network(arg string) (*net.IPNet, error) {
	addr, length, hasLen := strings.Cut(arg, "/")
	if strings.ContainsRune(addr, ':') {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, addr)
	}
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, addr)
	}
	ones := 32
	if hasLen {
		var err error
		if ones, err = parseCIDRLength(length, 32); err != nil {
			return nil, err
		}
	}
	mask := net.CIDRMask(ones, 32)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}

// parseIP6Network parses the argument of an ip6 mechanism.  The default
// prefix length is /128.
func parseIP6Network(arg string) (*net.IPNet, error) {
	addr, length, hasLen := strings.Cut(arg, "/")
	if !strings.ContainsRune(addr, ':') {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, addr)
	}
	ip := net.ParseIP(addr).To16()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, addr)
	}
	ones := 128
	if hasLen {
		var err error
		if ones, err = parseCIDRLength(length, 128); err != nil {
			return nil, err
		}
	}
	mask := net.CIDRMask(ones, 128)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}

// parseDualCIDR converts the dual-cidr-length suffix of the a and mx
// mechanisms into two integers, -1 meaning "not specified".
// input string examples :
//
//	""         -> mask4=-1 mask6=-1
//	"/24"      -> mask4=24 mask6=-1
//	"//64"     -> mask4=-1 mask6=64
//	"/24//64"  -> mask4=24 mask6=64
//
// Returns error if:
//   - non-decimal or zero-padded
//   - a length that exceeds bounds (0–32, 0–128)
//   - anything else follows the lengths
func parseDualCIDR(s string) (mask4, mask6 int, err error) {
	mask4, mask6 = -1, -1
	if s == "" {
		return
	}
	if !strings.HasPrefix(s, "/") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	if strings.HasPrefix(s, "//") {
		mask6, err = parseCIDRLength(s[2:], 128)
		return
	}
	v4, v6, dual := strings.Cut(s[1:], "//")
	if mask4, err = parseCIDRLength(v4, 32); err != nil {
		return
	}
	if dual {
		mask6, err = parseCIDRLength(v6, 128)
	}
	return
}

// parseCIDRLength parses a prefix length: "0" or a decimal without leading
// zeros (RFC 7208 section 5.6), no larger than max.
func parseCIDRLength(s string, max int) (int, error) {
	if s == "" || len(s) > 3 || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		n = n*10 + int(s[i]-'0')
	}
	if n > max {
		return 0, fmt.Errorf("%w: /%d", ErrInvalidCIDR, n)
	}
	return n, nil
}
