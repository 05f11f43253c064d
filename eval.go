package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mailspire/spf/dns"
	"github.com/mailspire/spf/parser"
)

// frameState is where a frame stands in evaluating its record.
type frameState int

const (
	stateFetching frameState = iota
	stateParsing
	stateEvaluating
	stateRedirecting
	stateDone
)

// frame is one record under evaluation.  The bottom frame is the checked
// domain; each include pushes a frame, and redirect replaces the top one.
type frame struct {
	state  frameState
	domain string
	txt    string
	rec    *parser.Record
	pos    int // next mechanism

	// chain holds every domain of the current include/redirect path,
	// this frame's included.
	chain []string

	// redirected is set once the frame has followed a redirect.
	redirected bool

	// include is the parent's mechanism that pushed this frame.
	include *parser.Mechanism

	res CheckHostResult
}

// evaluation carries the state of one check.  It is owned by a single
// goroutine.
type evaluation struct {
	c   *Checker
	ctx context.Context
	log *zap.Logger

	domain       string
	ip           net.IP // 4 bytes for IPv4
	sender       string
	local        string
	senderDomain string
	helo         string
	receiver     string
	allowPTR     bool
	now          time.Time

	maxLookups int
	maxVoids   int

	lookups int // DNS mechanisms and redirects so far
	voids   int
	mxNames int

	ptr *ptrNames

	stack []*frame
}

func (e *evaluation) top() *frame { return e.stack[len(e.stack)-1] }

func (e *evaluation) push(domain string, chain []string, include *parser.Mechanism) {
	e.stack = append(e.stack, &frame{
		domain:  domain,
		chain:   append(slices.Clone(chain), domain),
		include: include,
	})
}

// run evaluates the request and returns the verdict.
func (e *evaluation) run(ctx context.Context) CheckHostResult {
	e.ctx = ctx
	start := time.Now()

	e.push(e.domain, nil, nil)
	for {
		f := e.top()
		switch f.state {
		case stateFetching:
			e.fetch(f)

		case stateParsing:
			rec, err := parser.Parse(f.txt)
			if err != nil {
				e.log.Debug("record rejected",
					zap.String("record_domain", f.domain),
					zap.String("record", f.txt),
					zap.Error(err))
				f.finish(CheckHostResult{Code: PermError, Cause: err})
				continue
			}
			f.rec = rec
			f.state = stateEvaluating

		case stateEvaluating:
			e.step(f)

		case stateRedirecting:
			e.redirect(f)

		case stateDone:
			e.stack = e.stack[:len(e.stack)-1]
			if len(e.stack) == 0 {
				res := f.res
				if res.Code == Fail && f.rec != nil && f.rec.Exp != nil {
					res.Explanation = e.explain(f.rec.Exp, f.domain)
				}
				e.log.Info("check done",
					zap.String("result", string(res.Code)),
					zap.String("mechanism", res.Mechanism),
					zap.Int("lookups", e.lookups),
					zap.Int("void_lookups", e.voids),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(res.Cause))
				return res
			}
			e.included(e.top(), f)
		}
	}
}

func (f *frame) finish(res CheckHostResult) {
	f.res = res
	f.state = stateDone
}

// fetch selects the SPF record of f's domain.
func (e *evaluation) fetch(f *frame) {
	txt, err := e.selectRecord(f.domain)
	switch {
	case err == nil:
		f.txt = txt
		f.state = stateParsing
	case errors.Is(err, ErrNoRecord):
		// RFC 7208 section 6.1: a redirect to a domain without a record
		// is a permerror.  Includes are mapped by the parent.
		if f.redirected {
			f.finish(CheckHostResult{Code: PermError, Cause: fmt.Errorf("%w: %s", ErrRedirectNone, f.domain)})
			return
		}
		f.finish(CheckHostResult{Code: None, Cause: err})
	case errors.Is(err, ErrMultipleSPF):
		f.finish(CheckHostResult{Code: PermError, Cause: err})
	default:
		f.finish(CheckHostResult{Code: TempError, Cause: err})
	}
}

// step evaluates the next mechanism of f.
func (e *evaluation) step(f *frame) {
	if f.pos >= len(f.rec.Mechs) {
		if f.rec.Redirect != nil {
			f.state = stateRedirecting
			return
		}
		f.finish(CheckHostResult{Code: Neutral, Mechanism: "default"})
		return
	}

	m := &f.rec.Mechs[f.pos]
	f.pos++

	if m.Kind.NeedsDNS() {
		if err := e.countLookup(); err != nil {
			f.finish(CheckHostResult{Code: PermError, Mechanism: m.String(), Cause: err})
			return
		}
	}

	if m.Kind == parser.KindInclude {
		target, err := e.target(m.Domain, f.domain)
		if err != nil {
			f.finish(CheckHostResult{Code: PermError, Mechanism: m.String(), Cause: err})
			return
		}
		if err := e.checkChain(f.chain, target); err != nil {
			f.finish(CheckHostResult{Code: PermError, Mechanism: m.String(), Cause: err})
			return
		}
		e.log.Debug("include", zap.String("record_domain", f.domain), zap.String("target", target))
		e.push(target, f.chain, m)
		return
	}

	match, err := e.match(m, f.domain)
	if err != nil {
		code := TempError
		if isLimit(err) {
			code = PermError
		}
		f.finish(CheckHostResult{Code: code, Mechanism: m.String(), Cause: err})
		return
	}
	if match {
		f.finish(CheckHostResult{Code: qualifierResult(m.Qual), Mechanism: m.String()})
	}
}

// included folds the verdict of a finished include frame into its parent
// (RFC 7208 section 5.2).
func (e *evaluation) included(parent, child *frame) {
	m := child.include
	switch child.res.Code {
	case Pass:
		parent.finish(CheckHostResult{Code: qualifierResult(m.Qual), Mechanism: m.String()})
	case Fail, SoftFail, Neutral:
		// not a match
	case TempError:
		parent.finish(CheckHostResult{Code: TempError, Mechanism: m.String(), Cause: child.res.Cause})
	case PermError:
		parent.finish(CheckHostResult{Code: PermError, Mechanism: m.String(), Cause: child.res.Cause})
	case None:
		parent.finish(CheckHostResult{
			Code:      PermError,
			Mechanism: m.String(),
			Cause:     fmt.Errorf("%w: %s", ErrIncludeNone, child.domain),
		})
	}
}

// redirect replaces f's record with the redirect target's (RFC 7208
// section 6.1).  The target keeps f's place, so an include that led here
// still sees the target's verdict as its own.
func (e *evaluation) redirect(f *frame) {
	mod := f.rec.Redirect
	if err := e.countLookup(); err != nil {
		f.finish(CheckHostResult{Code: PermError, Mechanism: "redirect", Cause: err})
		return
	}
	target, err := e.target(mod.Value, f.domain)
	if err != nil {
		f.finish(CheckHostResult{Code: PermError, Mechanism: "redirect", Cause: err})
		return
	}
	if err := e.checkChain(f.chain, target); err != nil {
		f.finish(CheckHostResult{Code: PermError, Mechanism: "redirect", Cause: err})
		return
	}
	e.log.Debug("redirect", zap.String("record_domain", f.domain), zap.String("target", target))

	*f = frame{
		domain:     target,
		chain:      append(f.chain, target),
		redirected: true,
		include:    f.include,
	}
}

// target expands and validates the domain-spec of an include or redirect.
func (e *evaluation) target(spec, domain string) (string, error) {
	name, err := e.expandDomain(spec, domain)
	if err != nil {
		return "", err
	}
	target, err := parser.ValidateDomain(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidTarget, name, err)
	}
	return target, nil
}

func (e *evaluation) checkChain(chain []string, target string) error {
	if slices.Contains(chain, target) {
		return fmt.Errorf("%w: %s", ErrLoop, target)
	}
	if len(chain) > MaxDepth {
		return fmt.Errorf("%w: %s", ErrTooDeep, target)
	}
	return nil
}

func (e *evaluation) countLookup() error {
	e.lookups++
	if e.lookups > e.maxLookups {
		return fmt.Errorf("%w: more than %d", ErrTooManyLookups, e.maxLookups)
	}
	return nil
}

func (e *evaluation) countVoid() error {
	e.voids++
	if e.voids > e.maxVoids {
		return fmt.Errorf("%w: more than %d", ErrTooManyVoidLookups, e.maxVoids)
	}
	return nil
}

func isLimit(err error) bool {
	return errors.Is(err, ErrTooManyLookups) ||
		errors.Is(err, ErrTooManyVoidLookups)
}

func qualifierResult(q parser.Qualifier) Result {
	switch q {
	case parser.QMinus:
		return Fail
	case parser.QTilde:
		return SoftFail
	case parser.QMark:
		return Neutral
	default:
		return Pass
	}
}

// lookup queries the resolver.  Void answers, NXDOMAIN included, come back
// as an empty slice and nil error with void set.
func (e *evaluation) lookup(t dns.Type, name string) (answers []string, void bool, err error) {
	answers, err = e.c.Resolver.Lookup(e.ctx, t, name)
	switch {
	case dns.IsNotFound(err):
		return nil, true, nil
	case err != nil:
		return nil, false, err
	}
	return answers, len(answers) == 0, nil
}

// addrType is the address record type matching the client's family.
func (e *evaluation) addrType() dns.Type {
	if len(e.ip) == net.IPv4len {
		return dns.TypeA
	}
	return dns.TypeAAAA
}

// match evaluates a mechanism other than include.
func (e *evaluation) match(m *parser.Mechanism, domain string) (bool, error) {
	switch m.Kind {
	case parser.KindAll:
		return true, nil

	case parser.KindIP4:
		return len(e.ip) == net.IPv4len && m.Net.Contains(e.ip), nil

	case parser.KindIP6:
		// Contains would treat networks inside ::ffff:0:0/96 as IPv4
		return len(e.ip) == net.IPv6len && m.Net.Contains(e.ip), nil

	case parser.KindA:
		host, ok, err := e.mechTarget(m, domain)
		if !ok || err != nil {
			return false, err
		}
		return e.matchHost(host, m)

	case parser.KindMX:
		host, ok, err := e.mechTarget(m, domain)
		if !ok || err != nil {
			return false, err
		}
		return e.matchMX(host, m)

	case parser.KindPTR:
		host, ok, err := e.mechTarget(m, domain)
		if !ok || err != nil {
			return false, err
		}
		return e.matchPTR(host)

	case parser.KindExists:
		host, ok, err := e.mechTarget(m, domain)
		if !ok || err != nil {
			return false, err
		}
		// exists always asks for A records, whatever the client family
		answers, void, err := e.lookup(dns.TypeA, host)
		if err != nil {
			return false, err
		}
		if void {
			return false, e.countVoid()
		}
		return len(answers) > 0, nil
	}
	return false, fmt.Errorf("unexpected mechanism %v", m.Kind)
}

// mechTarget expands the domain-spec of m.  A name that is not a valid
// domain after expansion makes the mechanism not match; ok is false then.
func (e *evaluation) mechTarget(m *parser.Mechanism, domain string) (host string, ok bool, err error) {
	if m.Domain == "" {
		return domain, true, nil
	}
	name, err := e.expandDomain(m.Domain, domain)
	if err != nil {
		return "", false, err
	}
	host, err = parser.ValidateDomain(name)
	if err != nil {
		e.log.Debug("mechanism target is not a domain",
			zap.String("mechanism", m.String()),
			zap.String("target", name),
			zap.Error(err))
		return "", false, nil
	}
	return host, true, nil
}

// matchHost compares the client with the addresses of host.
func (e *evaluation) matchHost(host string, m *parser.Mechanism) (bool, error) {
	answers, void, err := e.lookup(e.addrType(), host)
	if err != nil {
		return false, err
	}
	if void {
		return false, e.countVoid()
	}
	for _, a := range answers {
		if e.matchAddr(a, m.Mask4, m.Mask6) {
			return true, nil
		}
	}
	return false, nil
}

func (e *evaluation) matchMX(host string, m *parser.Mechanism) (bool, error) {
	exchanges, void, err := e.lookup(dns.TypeMX, host)
	if err != nil {
		return false, err
	}
	if void {
		return false, e.countVoid()
	}

	// RFC 7208 section 4.6.4: exchanges past the budget are not looked at
	if budget := MaxMXNames - e.mxNames; len(exchanges) > budget {
		e.log.Debug("mx names capped",
			zap.String("mx_domain", host),
			zap.Int("names", len(exchanges)),
			zap.Int("checked", max(budget, 0)))
		exchanges = exchanges[:max(budget, 0)]
	}
	e.mxNames += len(exchanges)

	t := e.addrType()
	for _, mx := range exchanges {
		if mx == "" || mx == "." {
			// RFC 7505 null MX
			continue
		}
		answers, _, err := e.lookup(t, mx)
		if err != nil {
			return false, err
		}
		for _, a := range answers {
			if e.matchAddr(a, m.Mask4, m.Mask6) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e *evaluation) matchPTR(host string) (bool, error) {
	names, err := e.validatedNames()
	if err != nil {
		return false, err
	}
	if names.void {
		if err := e.countVoid(); err != nil {
			return false, err
		}
	}
	for _, n := range names.names {
		if parser.IsSubdomain(n, host) {
			return true, nil
		}
	}
	return false, nil
}

// matchAddr compares the client with one address record under the given
// CIDR lengths (-1 for the full length).
func (e *evaluation) matchAddr(addr string, mask4, mask6 int) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if len(e.ip) == net.IPv4len {
		ip4 := ip.To4()
		if ip4 == nil {
			return false
		}
		if mask4 < 0 {
			mask4 = 32
		}
		mask := net.CIDRMask(mask4, 32)
		return ip4.Mask(mask).Equal(e.ip.Mask(mask))
	}
	if ip.To4() != nil {
		return false
	}
	if mask6 < 0 {
		mask6 = 128
	}
	mask := net.CIDRMask(mask6, 128)
	return ip.Mask(mask).Equal(e.ip.Mask(mask))
}

// ptrNames is the outcome of the client's reverse lookup, shared by the ptr
// mechanism and the %{p} macro.
type ptrNames struct {
	names []string // validated, at most MaxPTRNames looked at
	void  bool
	err   error
}

// validatedNames returns the client's host names that resolve back to it
// (RFC 7208 section 5.5).  The lookups are done once per check.  Failures
// while confirming individual names only drop those names.
func (e *evaluation) validatedNames() (*ptrNames, error) {
	if e.ptr != nil {
		return e.ptr, e.ptr.err
	}
	e.ptr = &ptrNames{}

	rev := dns.ReverseName(e.ip)
	hosts, void, err := e.lookup(dns.TypePTR, rev)
	if err != nil {
		e.ptr.err = err
		return e.ptr, err
	}
	e.ptr.void = void
	if len(hosts) > MaxPTRNames {
		hosts = hosts[:MaxPTRNames]
	}

	t := e.addrType()
	for _, h := range hosts {
		answers, _, err := e.lookup(t, h)
		if err != nil {
			e.log.Debug("ptr name not confirmed", zap.String("name", h), zap.Error(err))
			continue
		}
		for _, a := range answers {
			if e.matchAddr(a, -1, -1) {
				e.ptr.names = append(e.ptr.names, h)
				break
			}
		}
	}
	return e.ptr, nil
}
