// Package metrics holds the Prometheus collectors for the capture pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/camfleet/pkg/stream"
)

const namespace = "camfleet"

// Metrics implements the observer interfaces of the stream, events and
// mediaserver packages on top of a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveStreams   prometheus.Gauge
	WorkerStops     *prometheus.CounterVec
	FramesCaptured  *prometheus.CounterVec
	CaptureLatency  prometheus.Histogram
	ReadErrors      *prometheus.CounterVec
	DetectionErrors *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	EventsFailed    prometheus.Counter

	Viewers      *prometheus.GaugeVec
	FramesServed *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of running capture workers",
		}),
		WorkerStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "worker_stops_total",
			Help:      "Capture workers that ended, by reason",
		}, []string{"reason"}),
		FramesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Frames captured per camera",
		}, []string{"camera"}),
		CaptureLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "latency_seconds",
			Help:      "Time from frame capture to buffer write",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "read_errors_total",
			Help:      "Transient source read failures per camera",
		}, []string{"camera"}),
		DetectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "errors_total",
			Help:      "Frames whose detection failed, per camera",
		}, []string{"camera"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Detection events delivered to the broker",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Detection events dropped because the queue was full",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "failed_total",
			Help:      "Detection events the broker rejected",
		}),

		Viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "distribute",
			Name:      "viewers",
			Help:      "Connected viewers by transport and channel",
		}, []string{"transport", "channel"}),
		FramesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribute",
			Name:      "frames_served_total",
			Help:      "Encoded frames sent to viewers",
		}, []string{"transport", "channel"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveStreams,
		m.WorkerStops,
		m.FramesCaptured,
		m.CaptureLatency,
		m.ReadErrors,
		m.DetectionErrors,
		m.EventsPublished,
		m.EventsDropped,
		m.EventsFailed,
		m.Viewers,
		m.FramesServed,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// WorkerStarted implements stream.Metrics.
func (m *Metrics) WorkerStarted(string) {
	m.ActiveStreams.Inc()
}

// WorkerStopped implements stream.Metrics. Open failures never counted as
// active, so they only bump the stop counter. Per-camera series are kept
// until Forget.
func (m *Metrics) WorkerStopped(cameraID, reason string) {
	if reason != stream.ReasonOpenFailed {
		m.ActiveStreams.Dec()
	}
	m.WorkerStops.WithLabelValues(reason).Inc()
}

// Forget deletes the per-camera series of cameraID.
func (m *Metrics) Forget(cameraID string) {
	m.FramesCaptured.DeleteLabelValues(cameraID)
	m.ReadErrors.DeleteLabelValues(cameraID)
	m.DetectionErrors.DeleteLabelValues(cameraID)
}

// FrameCaptured implements stream.Metrics.
func (m *Metrics) FrameCaptured(cameraID string, latency time.Duration) {
	m.FramesCaptured.WithLabelValues(cameraID).Inc()
	m.CaptureLatency.Observe(latency.Seconds())
}

// ReadFailed implements stream.Metrics.
func (m *Metrics) ReadFailed(cameraID string) {
	m.ReadErrors.WithLabelValues(cameraID).Inc()
}

// DetectionFailed implements stream.Metrics.
func (m *Metrics) DetectionFailed(cameraID string) {
	m.DetectionErrors.WithLabelValues(cameraID).Inc()
}

// EventPublished implements events.Metrics.
func (m *Metrics) EventPublished(kind string) {
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// EventDropped implements events.Metrics.
func (m *Metrics) EventDropped() { m.EventsDropped.Inc() }

// EventFailed implements events.Metrics.
func (m *Metrics) EventFailed() { m.EventsFailed.Inc() }

// ViewerJoined records a new viewer on transport ("mjpeg" or "ws").
func (m *Metrics) ViewerJoined(transport, channel string) {
	m.Viewers.WithLabelValues(transport, channel).Inc()
}

// ViewerLeft records a viewer disconnecting.
func (m *Metrics) ViewerLeft(transport, channel string) {
	m.Viewers.WithLabelValues(transport, channel).Dec()
}

// FrameServed records one frame sent to viewers.
func (m *Metrics) FrameServed(transport, channel string) {
	m.FramesServed.WithLabelValues(transport, channel).Inc()
}
