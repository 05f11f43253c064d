// Package spf implements a checker for the Sender Policy Framework as defined
// by RFC 7208.  The primary entry points are Check, which evaluates a request
// in the background and reports the verdict through a callback, and
// CheckHost, which waits for it.  Both walk the check_host() decision tree of
// section 4.6 to determine the authorization result for a given IP and
// domain.
package spf

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailspire/spf/dns"
)

// Result is the outcome of an SPF evaluation (RFC 7208 section 2.6).
type Result string

const (
	None      Result = "none"
	Neutral   Result = "neutral"   // policy exists but gives no assertion
	Pass      Result = "pass"      // client is authorized
	Fail      Result = "fail"      // client is NOT authorized
	SoftFail  Result = "softfail"  // not authorized, but weak assertion
	TempError Result = "temperror" // transient DNS error
	PermError Result = "permerror" // perm error in record or >10 look‑ups
)

// Results lists every verdict.
var Results = []Result{None, Neutral, Pass, Fail, SoftFail, TempError, PermError}

// Limits from RFC 7208 section 4.6.4.
const (
	MaxDNSLookups  = 10 // any mechanism that triggers DNS counts, and redirect
	MaxVoidLookups = 2  // DNS look‑ups returning no usable data
	MaxMXNames     = 10 // exchanges resolved by mx mechanisms in one check, the rest are skipped
	MaxPTRNames    = 10 // PTR names validated per lookup
	MaxDepth       = 10 // nested include/redirect hops
)

// Errors reported as CheckHostResult.Cause.  They never change a verdict;
// they tell the caller why it was reached.
var (
	ErrNoRecord           = errors.New("no spf record")
	ErrMultipleSPF        = errors.New("filter found multiple spf records (permerror)")
	ErrTooManyLookups     = errors.New("too many DNS lookups")
	ErrTooManyVoidLookups = errors.New("too many void DNS lookups")
	ErrLoop               = errors.New("include/redirect loop")
	ErrTooDeep            = errors.New("include/redirect nesting too deep")
	ErrIncludeNone        = errors.New("include target has no spf record")
	ErrRedirectNone       = errors.New("redirect target has no spf record")
	ErrInvalidTarget      = errors.New("invalid include/redirect target")
	ErrNoIP               = errors.New("no client address")
)

// Checker implements a full RFC 7208–compliant SPF policy evaluator.  A
// Checker holds no per-check state; one value serves any number of
// concurrent checks.  Fields must not be changed while checks run.
type Checker struct {
	Resolver       dns.Resolver
	MaxLookups     int
	MaxVoidLookups int

	// Logger receives evaluation traces.  Defaults to a no-op logger.
	Logger *zap.Logger

	// Receiver is the name of this host, expanded by %{r} in explanations.
	Receiver string

	// AllowPTR lets CheckHost resolve the %{p} macro.  Check takes the
	// setting from the Request instead.
	AllowPTR bool

	// Timeout bounds one whole check.  Zero means no bound besides the
	// caller's context.
	Timeout time.Duration

	now func() time.Time
}

// NewChecker returns a Checker that uses the given Resolver.
func NewChecker(r dns.Resolver) *Checker {
	return &Checker{
		Resolver:       r,
		MaxLookups:     MaxDNSLookups,
		MaxVoidLookups: MaxVoidLookups,
		Logger:         zap.NewNop(),
		Receiver:       "unknown",
		now:            time.Now,
	}
}

// CheckHostResult contains the result code and optional cause returned by
// CheckHost.
type CheckHostResult struct {
	Code Result

	// Explanation is the expanded exp= text of a failing record, if any.
	Explanation string

	// Mechanism is the directive that decided the verdict, "default" if
	// none matched and "" if evaluation never reached the directives.
	Mechanism string

	Cause error
}

// defaultChecker backs the package-level CheckHost convenience function.
var defaultChecker = sync.OnceValue(func() *Checker {
	return NewChecker(dns.NewClient(dns.ClientConfig{}))
})

// CheckHost implements the "check_host" algorithm from RFC 7208 section 4.6.
// The domain parameter is the name where SPF evaluation begins.  Typically this
// is the EHLO hostname or the domain part of MAIL FROM.  The sender parameter is
// the full MAIL FROM address ("<>" for bounces) and is used only for macro
// expansion.
//
// The %{h} macro expands to domain.  Callers that know the HELO name and
// check the MAIL FROM domain should use Check with a Request instead.
//
// The returned error is non-nil only when ctx ends before a verdict exists.
func (c *Checker) CheckHost(ctx context.Context, ip net.IP, domain, sender string) (CheckHostResult, error) {
	results := make(chan CheckHostResult, 1)
	p := c.Check(ctx, Request{
		IP:       ip,
		Sender:   sender,
		Helo:     domain,
		Domain:   domain,
		AllowPTR: c.AllowPTR,
	}, func(r CheckHostResult) { results <- r })

	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		p.Cancel()
		select {
		case r := <-results:
			return r, nil
		default:
			return CheckHostResult{}, ctx.Err()
		}
	}
}

// CheckHost is a convenience wrapper around Checker.CheckHost for callers that
// do not require custom configuration.  It queries the nameservers of
// /etc/resolv.conf.
func CheckHost(ip net.IP, domain, sender string) (CheckHostResult, error) {
	return defaultChecker().CheckHost(context.Background(), ip, domain, sender)
}

// getSenderDomain extracts the domain part of a MAIL FROM address as described
// in RFC 7208 section 4.1. It returns the substring after the last '@' and ok
// set to true when an '@' is present. If sender lacks an '@', it returns ("",
// false).
func getSenderDomain(sender string) (string, bool) {
	sender = strings.Trim(sender, "<>")
	at := strings.LastIndexByte(sender, '@')
	if at < 0 {
		return "", false
	}
	return sender[at+1:], true
}

// localPart extracts the string before '@'.  If the input lacks '@', RFC 7208
// section 4.1 requires that "postmaster" be used instead.
func localPart(sender string) string {
	// strip surrounding angle brackets that MTAs sometimes keep.
	sender = strings.Trim(sender, "<>")
	if at := strings.LastIndexByte(sender, '@'); at > 0 {
		return sender[:at] // real local part
	}

	return "postmaster"
}
