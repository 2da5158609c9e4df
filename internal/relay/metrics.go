package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's prometheus collectors, registered on their own
// registry so tests can create as many relays as they like.
type Metrics struct {
	Registry    *prometheus.Registry
	Rooms       prometheus.Gauge
	Connections prometheus.Gauge
	Operations  *prometheus.CounterVec
	Messages    *prometheus.CounterVec
	SubmitTime  prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms sequenced by this relay.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "operations_total",
			Help:      "Submitted operations by outcome.",
		}, []string{"result"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages received from clients by type.",
		}, []string{"type"}),
		SubmitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "submit_seconds",
			Help:      "Time to transform, apply and log one operation.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	m.Registry.MustRegister(m.Rooms, m.Connections, m.Operations, m.Messages, m.SubmitTime)
	return m
}
