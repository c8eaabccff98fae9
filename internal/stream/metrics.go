package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "chatstream"
	metricsSubsystem = "stream"
)

// Stream outcomes used as the "outcome" label.
const (
	OutcomeCompleted        = "completed"
	OutcomeClientDisconnect = "client_disconnect"
	OutcomeRejected         = "rejected"
)

type Metrics struct {
	StreamsTotal           *prometheus.CounterVec
	EventsTotal            *prometheus.CounterVec
	PersistFailuresTotal   *prometheus.CounterVec
	ClientDisconnectsTotal prometheus.Counter
	ActiveStreams          prometheus.Gauge
	StreamDurationSeconds  prometheus.Histogram
}

// NewMetrics registers the streaming collectors on reg. A nil reg builds
// unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "Streaming requests by outcome",
		}, []string{"outcome"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_total",
			Help:      "Events emitted by event name",
		}, []string{"event"}),
		PersistFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "persist_failures_total",
			Help:      "Failed persistence calls by operation",
		}, []string{"op"}),
		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Streams abandoned by the client before end_stream",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active",
			Help:      "Streams currently producing events",
		}),
		StreamDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Time from guard success to stream end",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
