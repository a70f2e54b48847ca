package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the settlement counters. A nil *Metrics records nothing.
type Metrics struct {
	bids         *prometheus.CounterVec
	claims       *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	faults       *prometheus.CounterVec
	pending      prometheus.Gauge
}

// NewMetrics creates the settlement metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pennyauction",
			Name:      "bids_total",
			Help:      "Bid attempts by result.",
		}, []string{"result"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pennyauction",
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pennyauction",
			Name:      "gateway_calls_total",
			Help:      "External gateway calls by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pennyauction",
			Name:      "fulfillment_faults_total",
			Help:      "Faults recorded for out-of-band reconciliation.",
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pennyauction",
			Name:      "fulfillment_pending",
			Help:      "Faults waiting for reconciliation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bids, m.claims, m.gatewayCalls, m.faults, m.pending)
	}
	return m
}

func (m *Metrics) observeBid(result string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(result).Inc()
}

func (m *Metrics) observeClaim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) observeGatewayCall(gateway, outcome string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(gateway, outcome).Inc()
}

func (m *Metrics) observeFault(kind FaultKind) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
