package entitytime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts time requests. A nil *Metrics records nothing.
type Metrics struct {
	inbound  *prometheus.CounterVec
	outbound *prometheus.CounterVec
	enabled  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qfeature",
			Subsystem: "entitytime",
			Name:      "inbound_requests_total",
			Help:      "Time requests received from peers, by result.",
		}, []string{"result"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qfeature",
			Subsystem: "entitytime",
			Name:      "outbound_queries_total",
			Help:      "Time queries sent to peers, by result.",
		}, []string{"result"}),
		enabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qfeature",
			Subsystem: "entitytime",
			Name:      "enabled_managers",
			Help:      "Managers currently advertising entity time.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.outbound, m.enabled)
	}
	return m
}

func (m *Metrics) inboundResult(result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(result).Inc()
}

func (m *Metrics) outboundResult(result string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(result).Inc()
}

func (m *Metrics) enabledDelta(d float64) {
	if m == nil {
		return
	}
	m.enabled.Add(d)
}

// EnabledGauge returns the gauge of enabled Managers.
func (m *Metrics) EnabledGauge() prometheus.Gauge {
	return m.enabled
}
