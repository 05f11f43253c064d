package spf

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailspire/spf/dns"
	"github.com/mailspire/spf/parser"
)

// selectRecord performs an RFC‑compliant SPF lookup of domain.  TXT and the
// legacy SPF type (99) are queried concurrently; a record published as type
// SPF takes precedence over TXT.
//   - no record → ErrNoRecord
//   - SERVFAIL/timeout on a path without a record → dns.ErrTempfail
//   - >1 record of the chosen type → ErrMultipleSPF
func (e *evaluation) selectRecord(domain string) (string, error) {
	var (
		g              errgroup.Group
		txts, spfs     []string
		txtErr, spfErr error
	)
	g.Go(func() error {
		txts, txtErr = e.c.Resolver.Lookup(e.ctx, dns.TypeTXT, domain)
		return nil
	})
	g.Go(func() error {
		spfs, spfErr = e.c.Resolver.Lookup(e.ctx, dns.TypeSPF, domain)
		return nil
	})
	_ = g.Wait()

	// § 4.5: the SPF type is looked at first
	for _, answers := range [][]string{spfs, txts} {
		rec, err := filterSPF(answers)
		if err != nil {
			return "", err
		}
		if rec != "" {
			e.log.Debug("record selected",
				zap.String("record_domain", domain),
				zap.String("record", rec))
			return rec, nil
		}
	}

	var failed error
	for _, err := range []error{spfErr, txtErr} {
		if err != nil && !dns.IsNotFound(err) {
			failed = multierr.Append(failed, err)
		}
	}
	if failed != nil {
		return "", fmt.Errorf("%w: %s: %w", dns.ErrTempfail, domain, failed)
	}
	return "", ErrNoRecord
}

// filterSPF picks exactly one "v=spf1" record (RFC 7208 §4.5).
//   - 0 records → ("", nil)
//   - 1 record → (that record, nil)
//   - >1 record → ("", ErrMultipleSPF)
func filterSPF(txts []string) (string, error) {
	var found []string

	for _, s := range txts {
		if parser.IsSPF(s) {
			found = append(found, s)
		}
	}

	// § 4.5: 0 → none; 1 → ok; >1 → permerror
	switch len(found) {
	case 0:
		return "", nil // allowed

	case 1:
		return found[0], nil

	default:
		return "", ErrMultipleSPF
	}
}
