package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quiz"

// Metrics holds the service's Prometheus collectors. It implements
// outbox.Recorder and app.SessionRecorder.
type Metrics struct {
	OutboxEvents  *prometheus.CounterVec
	OutboxPending prometheus.Gauge
	Sessions      *prometheus.CounterVec
	ActiveSockets prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OutboxEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "events_total",
				Help:      "Outbox writes by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: enqueued, delivered, failed, dropped
		),
		OutboxPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "pending",
				Help:      "Writes waiting for delivery",
			},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Attempt session events",
			},
			[]string{"event"},
		),
		ActiveSockets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Open websocket connections",
			},
		),
	}
}

func (m *Metrics) Enqueued(kind string)  { m.OutboxEvents.WithLabelValues(kind, "enqueued").Inc() }
func (m *Metrics) Delivered(kind string) { m.OutboxEvents.WithLabelValues(kind, "delivered").Inc() }
func (m *Metrics) Failed(kind string)    { m.OutboxEvents.WithLabelValues(kind, "failed").Inc() }
func (m *Metrics) Dropped(kind string)   { m.OutboxEvents.WithLabelValues(kind, "dropped").Inc() }
func (m *Metrics) Pending(n int)         { m.OutboxPending.Set(float64(n)) }

func (m *Metrics) Contended()    { m.Sessions.WithLabelValues("contended").Inc() }
func (m *Metrics) Finished()     { m.Sessions.WithLabelValues("finished").Inc() }
func (m *Metrics) FinishFailed() { m.Sessions.WithLabelValues("finish_failed").Inc() }

func (m *Metrics) SocketOpened() { m.ActiveSockets.Inc() }
func (m *Metrics) SocketClosed() { m.ActiveSockets.Dec() }
