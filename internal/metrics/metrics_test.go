package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailspire/spf"
	"github.com/mailspire/spf/dns"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.ObserveLookup(dns.TypeTXT, dns.OutcomeOK, 10*time.Millisecond)
	m.ObserveLookup(dns.TypeTXT, dns.OutcomeOK, 20*time.Millisecond)
	m.ObserveLookup(dns.TypeMX, dns.OutcomeTimeout, time.Second)
	m.ObserveVerdict(spf.Pass)
	m.ObserveVerdict(spf.Pass)
	m.ObserveVerdict(spf.Fail)
	m.ObserveRequest("RCPT", "REJECT not allowed")
	m.ObserveRequest("CONNECT", "DUNNO")
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.verdicts.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("RCPT", "REJECT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2, testutil.CollectAndCount(m.lookups))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP spf_verdicts_total Total number of SPF verdicts
# TYPE spf_verdicts_total counter
spf_verdicts_total{result="fail"} 1
spf_verdicts_total{result="pass"} 2
`), "spf_verdicts_total")
	require.NoError(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLookup(dns.TypeA, dns.OutcomeOK, time.Millisecond)
		m.ObserveVerdict(spf.None)
		m.ObserveRequest("MAIL", "DUNNO")
		m.ConnOpened()
		m.ConnClosed()
	})
}
