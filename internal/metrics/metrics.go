// Package metrics holds the Prometheus collectors of postlicyd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailspire/spf"
	"github.com/mailspire/spf/dns"
)

// Metrics implements dns.Observer and records verdicts and policy requests.
// A nil *Metrics records nothing.
type Metrics struct {
	lookups     *prometheus.HistogramVec
	verdicts    *prometheus.CounterVec
	requests    *prometheus.CounterVec
	connections prometheus.Gauge
}

var _ dns.Observer = (*Metrics)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		lookups: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spf_dns_lookup_duration_seconds",
			Help:    "Duration of DNS queries issued by SPF checks",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"type", "outcome"}),

		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spf_verdicts_total",
			Help: "Total number of SPF verdicts",
		}, []string{"result"}),

		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_requests_total",
			Help: "Total number of answered policy requests",
		}, []string{"state", "action"}),

		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "policy_connections_active",
			Help: "Current number of policy client connections",
		}),
	}
}

// ObserveLookup implements dns.Observer.
func (m *Metrics) ObserveLookup(t dns.Type, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(t.String(), outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveVerdict(r spf.Result) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(string(r)).Inc()
}

// ObserveRequest counts an answered policy request.  Only the first word of
// the action is used as label.
func (m *Metrics) ObserveRequest(state, action string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(state, actionWord(action)).Inc()
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func actionWord(action string) string {
	for i := 0; i < len(action); i++ {
		if action[i] == ' ' {
			return action[:i]
		}
	}
	return action
}
