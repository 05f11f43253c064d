package parser

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Errors returned by ValidateDomain.  Each corresponds to one of the
// syntax checks described in RFC 7208 section 4.3.
var (
	ErrSingleLabel    = errors.New("domain must have at least two labels")
	ErrEmptyLabel     = errors.New("domain has empty label")
	ErrLabelTooLong   = errors.New("domain label exceeds 63 octets")
	ErrDomainTooLong  = errors.New("domain exceeds 253 octets")
	ErrBadTopLabel    = errors.New("domain has an invalid top label")
	ErrIDNAConversion = errors.New("IDNA ToASCII failed")
)

// Limits from RFC 1035 section 2.3.4 as applied by RFC 7208 section 4.3.
const (
	MaxDomainLength = 253
	MaxLabelLength  = 63
)

// ValidateDomain normalises and validates a raw domain name, according to
// RFC 7208, section 4.3.
// Validation steps:
//
//  1. Remove one trailing dot because domains are implicitly absolute.
//
//  2. Names containing non-ASCII runes are converted to their Punycode A-label
//     form with idna.Lookup.ToASCII.  ASCII names are taken as they are: after
//     macro expansion a name may legitimately carry characters such as '%' or
//     '_' that IDNA would refuse.
//
//  3. Apply SPF pre-evaluation checks:
//
//     * Overall length must not exceed 253 octets.
//     * The domain must contain at least two labels (must include a dot).
//     * No empty label may appear except the implicit root.
//     * Each label must be 1–63 octets long.
//     * The right-most label must be a valid toplabel (RFC 7208 section 7.1).
//
// On success the function returns the ASCII (lower-case) domain and nil.
// On failure, it returns an empty string along with a sentinel error.
func ValidateDomain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	// Trim the single trailing dot if any
	raw = strings.TrimSuffix(raw, ".")

	ascii := raw
	if !isASCII(raw) {
		// convert to A-label RFC 5890 section 2.3
		var err error
		ascii, err = idna.Lookup.ToASCII(raw)
		if err != nil {
			return "", ErrIDNAConversion
		}
	}
	ascii = strings.ToLower(ascii)

	// check overall length limit
	if len(ascii) > MaxDomainLength {
		return "", ErrDomainTooLong
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", ErrSingleLabel
	}

	for _, lbl := range labels {
		switch {
		case len(lbl) == 0:
			return "", ErrEmptyLabel

		case len(lbl) > MaxLabelLength:
			return "", ErrLabelTooLong
		}
	}

	if !IsTopLabel(labels[len(labels)-1]) {
		return "", ErrBadTopLabel
	}

	return ascii, nil
}

// IsTopLabel reports whether l matches the toplabel production of RFC 7208
// section 7.1:
//
//	toplabel = ( *alphanum ALPHA *alphanum ) /
//	           ( 1*alphanum "-" *( alphanum / "-" ) alphanum )
func IsTopLabel(l string) bool {
	if l == "" || len(l) > MaxLabelLength {
		return false
	}
	alpha, dash := false, false
	for i := 0; i < len(l); i++ {
		c := l[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			alpha = true
		case c >= '0' && c <= '9':
		case c == '-':
			dash = true
		default:
			return false
		}
	}
	if dash {
		return l[0] != '-' && l[len(l)-1] != '-'
	}
	return alpha
}

// Truncate shortens a name longer than 253 octets by dropping labels from the
// left until it fits (RFC 7208 section 7.3).  A trailing dot is preserved.
func Truncate(name string) string {
	abs := strings.HasSuffix(name, ".")
	s := strings.TrimSuffix(name, ".")
	for len(s) > MaxDomainLength {
		i := strings.IndexByte(s, '.')
		if i < 0 {
			break
		}
		s = s[i+1:]
	}
	if abs {
		s += "."
	}
	return s
}

// IsSubdomain reports whether name equals parent or lies below it.  Both are
// compared case-insensitively with any trailing dot removed.
func IsSubdomain(name, parent string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	parent = strings.ToLower(strings.TrimSuffix(parent, "."))
	if parent == "" {
		return false
	}
	return name == parent || strings.HasSuffix(name, "."+parent)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
