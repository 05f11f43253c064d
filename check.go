package spf

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mailspire/spf/parser"
)

// Request describes one check_host() invocation.
type Request struct {
	// IP is the SMTP client address.  IPv4-mapped IPv6 addresses are
	// evaluated as IPv4.
	IP net.IP

	// Sender is the MAIL FROM address, "" or "<>" for bounces.
	Sender string

	// Helo is the HELO/EHLO name.  It is the checked domain when Sender has
	// no domain part.
	Helo string

	// Domain overrides the domain where evaluation begins.  Leave empty to
	// derive it from Sender and Helo.
	Domain string

	// Receiver overrides Checker.Receiver for %{r}.
	Receiver string

	// AllowPTR lets the %{p} macro resolve the client's validated host
	// name.  When unset %{p} expands to "unknown" without any lookup.
	AllowPTR bool
}

// Callback receives the verdict of a check.
type Callback func(CheckHostResult)

const (
	pendingRunning int32 = iota
	pendingDelivered
	pendingCanceled
)

// Pending is the handle of a check in progress.
type Pending struct {
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel abandons the check.  It reports whether the callback was
// suppressed; false means the verdict was already being delivered.  Once
// Cancel has returned true the callback is never invoked.
func (p *Pending) Cancel() bool {
	if !p.state.CompareAndSwap(pendingRunning, pendingCanceled) {
		return false
	}
	if p.cancel != nil {
		p.cancel()
	}
	return true
}

// Done is closed when the check has finished, whether its verdict was
// delivered or dropped.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

func (p *Pending) deliver(cb Callback, res CheckHostResult) {
	if p.state.CompareAndSwap(pendingRunning, pendingDelivered) {
		cb(res)
	}
}

// Check starts evaluating req and arranges for cb to be called exactly once
// with the verdict, unless the check is canceled first, through the returned
// handle or through ctx.
//
// When the verdict needs no DNS work, for instance because the checked domain
// is malformed, cb runs before Check returns and the handle is already done.
// Otherwise evaluation continues on its own goroutine and cb is called from
// there.
func (c *Checker) Check(ctx context.Context, req Request, cb Callback) *Pending {
	p := &Pending{done: make(chan struct{})}

	ev, res, ok := c.prepare(req)
	if !ok {
		p.deliver(cb, res)
		close(p.done)
		return p
	}

	ctx, cancel := context.WithCancel(ctx)
	if c.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, c.Timeout)
		parent := cancel
		cancel = func() { stop(); parent() }
	}
	p.cancel = cancel

	go func() {
		defer close(p.done)
		defer cancel()

		res := ev.run(ctx)
		if errors.Is(ctx.Err(), context.Canceled) {
			ev.log.Debug("check canceled")
			return
		}
		p.deliver(cb, res)
	}()
	return p
}

// prepare validates req and builds the evaluation for it.  When ok is false
// res already holds the final verdict.
func (c *Checker) prepare(req Request) (ev *evaluation, res CheckHostResult, ok bool) {
	log := c.logger()

	ip := req.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
		return nil, CheckHostResult{Code: PermError, Cause: ErrNoIP}, false
	}

	helo := strings.TrimSuffix(strings.TrimSpace(req.Helo), ".")
	sender := strings.Trim(strings.TrimSpace(req.Sender), "<>")

	// RFC 7208 section 2.4: an empty reverse-path is checked as
	// postmaster@helo.
	senderDomain, hasDomain := getSenderDomain(sender)
	if !hasDomain || senderDomain == "" {
		senderDomain = helo
		sender = "postmaster@" + helo
	}
	local := localPart(sender)
	sender = local + "@" + senderDomain

	raw := req.Domain
	if raw == "" {
		raw = senderDomain
	}
	domain, err := parser.ValidateDomain(raw)
	if err != nil {
		log.Debug("invalid domain",
			zap.String("domain", raw),
			zap.Error(err))
		return nil, CheckHostResult{Code: None, Cause: err}, false
	}

	receiver := req.Receiver
	if receiver == "" {
		receiver = c.Receiver
	}
	if receiver == "" {
		receiver = "unknown"
	}

	now := c.now
	if now == nil {
		now = time.Now
	}
	ev = &evaluation{
		c:            c,
		log:          log.With(zap.String("domain", domain), zap.Stringer("ip", ip)),
		domain:       domain,
		ip:           ip,
		sender:       sender,
		local:        local,
		senderDomain: senderDomain,
		helo:         helo,
		receiver:     receiver,
		allowPTR:     req.AllowPTR,
		now:          now(),
		maxLookups:   orDefault(c.MaxLookups, MaxDNSLookups),
		maxVoids:     orDefault(c.MaxVoidLookups, MaxVoidLookups),
	}
	return ev, CheckHostResult{}, true
}

func (c *Checker) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
