package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the realtime layer collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	handshakeFailures prometheus.Counter
	intents           *prometheus.CounterVec
	messagesPersisted prometheus.Counter
	fanoutRecipients  prometheus.Histogram
	eventsDropped     *prometheus.CounterVec
	callSessions      prometheus.Gauge
}

// New creates the collectors and registers them with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guffghar_rt_connections_active",
			Help: "Current number of authenticated socket connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guffghar_rt_connections_total",
			Help: "Total number of authenticated socket connections since start.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guffghar_rt_handshake_failures_total",
			Help: "Connections refused during the handshake.",
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guffghar_rt_intents_total",
			Help: "Client intents grouped by canonical kind and outcome code.",
		}, []string{"intent", "outcome"}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guffghar_rt_messages_persisted_total",
			Help: "Messages durably written before fan-out.",
		}),
		fanoutRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guffghar_rt_fanout_recipients",
			Help:    "Local connections reached by a single fan-out.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guffghar_rt_events_dropped_total",
			Help: "Outbound events not queued, grouped by reason.",
		}, []string{"reason"}),
		callSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guffghar_rt_call_sessions_active",
			Help: "Call signaling sessions held in memory.",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.connectionsTotal,
		m.handshakeFailures,
		m.intents,
		m.messagesPersisted,
		m.fanoutRecipients,
		m.eventsDropped,
		m.callSessions,
	)
	return m
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

// Intent records a handled intent; outcome is "ok" or an error code.
func (m *Metrics) Intent(intent, outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(intent, outcome).Inc()
}

func (m *Metrics) MessagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

func (m *Metrics) Fanout(recipients int) {
	if m == nil {
		return
	}
	m.fanoutRecipients.Observe(float64(recipients))
}

// EventDropped records an event that was not queued ("slow_consumer", "best_effort", "closed").
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCallSessions(n int) {
	if m == nil {
		return
	}
	m.callSessions.Set(float64(n))
}
