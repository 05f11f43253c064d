package spf

import (
	"net"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mailspire/spf/parser"
)

// expandDomain expands the macros of a domain-spec (RFC 7208 section 7.3).
// Results longer than 253 octets lose labels from the left.
func (e *evaluation) expandDomain(spec, domain string) (string, error) {
	s, err := e.expand(spec, domain, false)
	if err != nil {
		return "", err
	}
	return parser.Truncate(s), nil
}

// expand expands a macro-string.  With exp set it is an explanation text.
func (e *evaluation) expand(spec, domain string, exp bool) (string, error) {
	toks, err := parser.ParseMacro(spec, exp)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, t := range toks {
		if !t.IsMacro() {
			b.WriteString(t.Literal)
			continue
		}
		v := transform(e.macroValue(t.Letter, domain), t)
		if t.Upper {
			v = urlEscape(v)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func (e *evaluation) macroValue(letter byte, domain string) string {
	switch letter {
	case 's':
		return e.sender
	case 'l':
		return e.local
	case 'o':
		return e.senderDomain
	case 'd':
		return domain
	case 'i':
		return dottedIP(e.ip)
	case 'p':
		return e.validatedName(domain)
	case 'v':
		if len(e.ip) == net.IPv4len {
			return "in-addr"
		}
		return "ip6"
	case 'h':
		return e.helo
	case 'c':
		return e.ip.String()
	case 'r':
		return e.receiver
	case 't':
		return strconv.FormatInt(e.now.Unix(), 10)
	}
	return ""
}

// validatedName picks the client name for %{p}: the checked domain itself,
// else one of its subdomains, else any validated name.
func (e *evaluation) validatedName(domain string) string {
	if !e.allowPTR {
		return "unknown"
	}
	names, err := e.validatedNames()
	if err != nil {
		e.log.Debug("%{p} lookup failed", zap.Error(err))
		return "unknown"
	}
	if len(names.names) == 0 {
		return "unknown"
	}
	for _, n := range names.names {
		if strings.EqualFold(n, domain) {
			return n
		}
	}
	for _, n := range names.names {
		if parser.IsSubdomain(n, domain) {
			return n
		}
	}
	return names.names[0]
}

// dottedIP renders %{i}: dotted quad for IPv4 and dot-separated nibbles
// for IPv6.
func dottedIP(ip net.IP) string {
	if len(ip) == net.IPv4len {
		return ip.String()
	}
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 63)
	for i, c := range ip.To16() {
		if i > 0 {
			b = append(b, '.')
		}
		b = append(b, hex[c>>4], '.', hex[c&0x0f])
	}
	return string(b)
}

// transform applies the digits, reverse and delimiter parts of a
// macro-expand (RFC 7208 section 7.3).
func transform(v string, t parser.MacroToken) string {
	if t.Digits == 0 && !t.Reverse && t.Delims == "" {
		return v
	}
	delims := t.Delims
	if delims == "" {
		delims = "."
	}

	var parts []string
	start := 0
	for i := 0; i < len(v); i++ {
		if strings.IndexByte(delims, v[i]) >= 0 {
			parts = append(parts, v[start:i])
			start = i + 1
		}
	}
	parts = append(parts, v[start:])

	if t.Reverse {
		slices.Reverse(parts)
	}
	if t.Digits > 0 && t.Digits < len(parts) {
		parts = parts[len(parts)-t.Digits:]
	}
	return strings.Join(parts, ".")
}

// urlEscape escapes everything outside the RFC 3986 unreserved set, which
// is what upper-case macro letters ask for.
func urlEscape(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
