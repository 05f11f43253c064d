package dns

import (
	"context"
	"errors"
	"time"
)

// Observer receives one call per completed lookup.
type Observer interface {
	ObserveLookup(t Type, outcome string, elapsed time.Duration)
}

// Lookup outcomes reported to an Observer.
const (
	OutcomeOK       = "ok"
	OutcomeNXDomain = "nxdomain"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Outcome classifies the error returned by a Lookup.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case IsNotFound(err):
		return OutcomeNXDomain
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case IsTimeout(err):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

// Instrumented is a Resolver reporting the duration and outcome of every
// lookup of the Resolver it wraps.
type Instrumented struct {
	next Resolver
	obs  Observer
}

var _ Resolver = (*Instrumented)(nil)

// NewInstrumented wraps next.  A nil observer disables reporting.
func NewInstrumented(next Resolver, obs Observer) *Instrumented {
	return &Instrumented{next: next, obs: obs}
}

// Lookup implements Resolver.
func (i *Instrumented) Lookup(ctx context.Context, t Type, name string) ([]string, error) {
	start := time.Now()
	records, err := i.next.Lookup(ctx, t, name)
	if i.obs != nil {
		i.obs.ObserveLookup(t, Outcome(err), time.Since(start))
	}
	return records, err
}
