package spf

import (
	"go.uber.org/zap"

	"github.com/mailspire/spf/dns"
	"github.com/mailspire/spf/parser"
)

// explain fetches and expands the explanation named by an exp= modifier
// (RFC 7208 section 6.2).  The lookup does not count against the limits.
// Any problem along the way yields no explanation rather than an error.
func (e *evaluation) explain(mod *parser.Modifier, domain string) string {
	name, err := e.expandDomain(mod.Value, domain)
	if err != nil {
		e.log.Debug("exp not expanded", zap.String("exp", mod.Value), zap.Error(err))
		return ""
	}
	name, err = parser.ValidateDomain(name)
	if err != nil {
		e.log.Debug("exp is not a domain", zap.String("exp", mod.Value), zap.Error(err))
		return ""
	}

	txts, err := e.c.Resolver.Lookup(e.ctx, dns.TypeTXT, name)
	if err != nil || len(txts) != 1 {
		e.log.Debug("no explanation",
			zap.String("exp_domain", name),
			zap.Int("records", len(txts)),
			zap.Error(err))
		return ""
	}

	text, err := e.expand(txts[0], domain, true)
	if err != nil {
		e.log.Debug("explanation rejected", zap.String("exp_domain", name), zap.Error(err))
		return ""
	}
	return text
}
