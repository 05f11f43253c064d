// Package dns is responsible for all dns, network IO  calls for the library.
//
// The SPF engine only needs one primitive from it: look up the records of
// one type for one name and learn whether the name exists.  Resolver captures
// that; Client implements it on top of github.com/miekg/dns, Cache and
// Instrumented wrap any Resolver, and MockResolver serves an in-memory zone
// for tests.
package dns

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// Errors returned during DNS lookups.  They map directly to the
// conditions described in RFC 7208 section 4.4 and 5: NXDOMAIN is an
// answer, everything else means the data could not be obtained.
var (
	ErrNoDNSrecord = errors.New("DNS record not found (NXDOMAIN)")
	ErrTempfail    = errors.New("temperror: temporary DNS lookup failure")
	ErrTimeout     = errors.New("temperror: DNS lookup timed out")
	ErrPermfail    = errors.New("permerror: permanent DNS lookup failure")
)

// DefaultDialTimeout is the fallback time out if the caller does not pass a deadline/cancellation.
const DefaultDialTimeout = 5 * time.Second

// Type is a DNS record type the SPF engine asks for.
type Type uint16

const (
	TypeA    = Type(mdns.TypeA)
	TypeAAAA = Type(mdns.TypeAAAA)
	TypeMX   = Type(mdns.TypeMX)
	TypePTR  = Type(mdns.TypePTR)
	TypeTXT  = Type(mdns.TypeTXT)
	TypeSPF  = Type(mdns.TypeSPF) // legacy type 99, RFC 4408
)

func (t Type) String() string {
	if s, ok := mdns.TypeToString[uint16(t)]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(t))
}

// Resolver looks up records of one type.
//
// The answers are returned as text: addresses for A and AAAA, host names
// without the trailing dot for MX (ordered by preference) and PTR, and the
// concatenated character-strings of each TXT or SPF record.
//
// An existing name without records of the requested type yields an empty
// slice and a nil error.  A name that does not exist yields ErrNoDNSrecord.
// Any other failure wraps ErrTempfail or ErrTimeout.
type Resolver interface {
	Lookup(ctx context.Context, t Type, name string) ([]string, error)
}

// IsNotFound reports whether err means the name does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoDNSrecord)
}

// IsTimeout reports whether err is a lookup timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReverseName returns the in-addr.arpa or ip6.arpa name for ip, without the
// trailing dot, or "" if ip is not a valid address.
func ReverseName(ip net.IP) string {
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(arpa, ".")
}

// canonical lower-cases a name and strips the trailing dot.
func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
