package dns

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the maps, which are keyed by lower-case names without
// the trailing dot.  PTR is keyed by the reverse name, see ReverseName.
//
// A name present in none of the maps does not exist (NXDOMAIN); a name
// present in some map but not in the one asked for has no records of that
// type.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string
	MX   map[string][]string
	PTR  map[string][]string
	TXT  map[string][]string
	SPF  map[string][]string

	// Fail contains queries that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com" where type is lowercase.
	Fail []string

	// Timeout contains queries that will return ErrTimeout.
	Timeout []string

	// Hang contains queries that block until the context is done.
	Hang []string

	mu      sync.Mutex
	queries []string
}

var _ Resolver = (*MockResolver)(nil)

func mockReq(t Type, name string) string {
	return strings.ToLower(t.String()) + " " + name
}

// Lookup implements Resolver.
func (r *MockResolver) Lookup(ctx context.Context, t Type, name string) ([]string, error) {
	name = canonical(name)
	req := mockReq(t, name)

	r.mu.Lock()
	r.queries = append(r.queries, req)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case slices.Contains(r.Hang, req):
		<-ctx.Done()
		return nil, ctx.Err()
	case slices.Contains(r.Fail, req):
		return nil, fmt.Errorf("%w: %s: SERVFAIL", ErrTempfail, req)
	case slices.Contains(r.Timeout, req):
		return nil, fmt.Errorf("%w: %s", ErrTimeout, req)
	}

	zone := r.zone(t)
	if records, ok := zone[name]; ok {
		return slices.Clone(records), nil
	}
	if r.exists(name) {
		return nil, nil
	}
	return nil, ErrNoDNSrecord
}

func (r *MockResolver) zone(t Type) map[string][]string {
	switch t {
	case TypeA:
		return r.A
	case TypeAAAA:
		return r.AAAA
	case TypeMX:
		return r.MX
	case TypePTR:
		return r.PTR
	case TypeTXT:
		return r.TXT
	case TypeSPF:
		return r.SPF
	}
	return nil
}

func (r *MockResolver) exists(name string) bool {
	for _, m := range []map[string][]string{r.A, r.AAAA, r.MX, r.PTR, r.TXT, r.SPF} {
		if _, ok := m[name]; ok {
			return true
		}
	}
	return false
}

// Queries returns the queries seen so far in "type name" form.
func (r *MockResolver) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.queries)
}

// Reset forgets the recorded queries.
func (r *MockResolver) Reset() {
	r.mu.Lock()
	r.queries = nil
	r.mu.Unlock()
}
