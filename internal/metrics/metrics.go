// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all engine-level collectors. Create once per process
// with New and register against a prometheus.Registerer; a nil-safe
// recording surface keeps the engines free of conditionals.
type Metrics struct {
	SamplesRouted     *prometheus.CounterVec
	SamplesDropped    *prometheus.CounterVec
	QueriesStarted    prometheus.Counter
	QueriesInFlight   prometheus.Gauge
	RepliesDelivered  *prometheus.CounterVec
	DeclarationsLive  *prometheus.GaugeVec
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	DeliveryFailures  prometheus.Counter
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		SamplesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "delivery",
				Name:      "samples_routed_total",
				Help:      "Samples enqueued to matching subscribers",
			},
			[]string{"reliability"},
		),
		SamplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "delivery",
				Name:      "samples_dropped_total",
				Help:      "BestEffort samples dropped under congestion",
			},
			[]string{"path"},
		),
		QueriesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "query",
				Name:      "started_total",
				Help:      "Queries issued by this session",
			},
		),
		QueriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "keymesh",
				Subsystem: "query",
				Name:      "in_flight",
				Help:      "Queries awaiting completion",
			},
		),
		RepliesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "query",
				Name:      "replies_delivered_total",
				Help:      "Replies delivered to queriers",
			},
			[]string{"kind"},
		),
		DeclarationsLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "keymesh",
				Subsystem: "registry",
				Name:      "declarations_live",
				Help:      "Live declarations by kind",
			},
			[]string{"kind"},
		),
		FramesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "peerlink",
				Name:      "frames_sent_total",
				Help:      "Frames sent to peers",
			},
		),
		FramesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "peerlink",
				Name:      "frames_received_total",
				Help:      "Frames received from peers",
			},
		),
		DeliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "delivery",
				Name:      "failures_total",
				Help:      "Reliable deliveries that failed at the transport",
			},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.SamplesRouted,
		m.SamplesDropped,
		m.QueriesStarted,
		m.QueriesInFlight,
		m.RepliesDelivered,
		m.DeclarationsLive,
		m.FramesSent,
		m.FramesReceived,
		m.DeliveryFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
