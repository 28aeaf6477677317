package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "plotter"

// Metrics contains the service-wide plotter metrics. Transport components add
// their own per-listener metrics on top of these.
type Metrics struct {
	MessagesDecoded  *prometheus.CounterVec
	DecoderDesyncs   *prometheus.CounterVec
	ConnectionsOpen  *prometheus.GaugeVec
	DispatchQueue    prometheus.Gauge
	CascadeDuration  prometheus.Histogram
	CurvesLive       prometheus.Gauge
	ChildUpdates     *prometheus.CounterVec
	PublishedUpdates *prometheus.CounterVec
}

// NewMetrics creates the core plotter metrics (unregistered).
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "messages_total",
			Help:      "Plot messages decoded, by transport and action",
		}, []string{"transport", "action"}),

		DecoderDesyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "desyncs_total",
			Help:      "Times a decoder discarded partial state and resynchronized",
		}, []string{"transport"}),

		ConnectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_open",
			Help:      "Currently open client connections",
		}, []string{"transport"}),

		DispatchQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Messages waiting for the dispatcher",
		}),

		CascadeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "apply_duration_seconds",
			Help:      "Time to apply one message including the child cascade",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		CurvesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "curves",
			Help:      "Curves currently held by the registry",
		}),

		ChildUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "derive",
			Name:      "updates_total",
			Help:      "Child curve recomputations, by plot type",
		}, []string{"plot_type"}),

		PublishedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "published_total",
			Help:      "Curve notifications delivered to outputs",
		}, []string{"output", "status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesDecoded,
		m.DecoderDesyncs,
		m.ConnectionsOpen,
		m.DispatchQueue,
		m.CascadeDuration,
		m.CurvesLive,
		m.ChildUpdates,
		m.PublishedUpdates,
	}
}

// RecordDecoded counts one decoded message.
func (m *Metrics) RecordDecoded(transport, action string) {
	if m == nil {
		return
	}
	m.MessagesDecoded.WithLabelValues(transport, action).Inc()
}

// RecordDesyncs adds n decoder resynchronizations.
func (m *Metrics) RecordDesyncs(transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DecoderDesyncs.WithLabelValues(transport).Add(float64(n))
}

// RecordConnection moves the open-connection gauge by delta.
func (m *Metrics) RecordConnection(transport string, delta int) {
	if m == nil {
		return
	}
	m.ConnectionsOpen.WithLabelValues(transport).Add(float64(delta))
}

// RecordQueueDepth sets the dispatcher queue depth.
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueue.Set(float64(depth))
}

// RecordApply observes one message application.
func (m *Metrics) RecordApply(d time.Duration) {
	if m == nil {
		return
	}
	m.CascadeDuration.Observe(d.Seconds())
}

// RecordCurves sets the live curve count.
func (m *Metrics) RecordCurves(n int) {
	if m == nil {
		return
	}
	m.CurvesLive.Set(float64(n))
}

// RecordChildUpdate counts one child recomputation.
func (m *Metrics) RecordChildUpdate(plotType string) {
	if m == nil {
		return
	}
	m.ChildUpdates.WithLabelValues(plotType).Inc()
}

// RecordPublished counts one output delivery attempt.
func (m *Metrics) RecordPublished(output string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.PublishedUpdates.WithLabelValues(output, status).Inc()
}
