package kdbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors a bus exposes (spec §5). Each
// bus gets its own registry so two buses in the same process don't
// collide on collector registration.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	MessagesSent      prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	PolicyDecisions   *prometheus.CounterVec
	NameChurn         prometheus.Counter
	ReplyTimeouts     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics builds a fresh, independently registered Metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kdbus_connections_active",
			Help: "Connections currently attached to the bus.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdbus_messages_sent_total",
			Help: "Messages accepted by the send pipeline.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kdbus_queue_depth",
			Help: "Pending entries across the receive queues of the bus's connections.",
		}, []string{"bus"}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kdbus_policy_decisions_total",
			Help: "Policy checks by level and outcome.",
		}, []string{"level", "outcome"}),
		NameChurn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdbus_name_churn_total",
			Help: "Name acquire/release/transfer events.",
		}),
		ReplyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kdbus_reply_timeouts_total",
			Help: "Reply trackers reaped by the timeout sweep.",
		}),
	}
	reg.MustRegister(m.ConnectionsActive, m.MessagesSent, m.QueueDepth, m.PolicyDecisions, m.NameChurn, m.ReplyTimeouts)
	return m
}

// Registry exposes the underlying prometheus.Registry for an HTTP
// /metrics handler to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
