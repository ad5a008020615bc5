package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway exports.
//
// Collectors hang off a private registry rather than the package-global
// default so tests can construct isolated instances without duplicate
// registration panics.
//
// Thread Safety:
//   - All collector operations are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest front-end.
	IngestFrames   *prometheus.CounterVec // labels: source (mqtt|http)
	IngestRejected *prometheus.CounterVec // labels: reason

	// Codec.
	ReadingsInvalid prometheus.Counter

	// Pipeline.
	PipelineQueueDepth *prometheus.GaugeVec // labels: shard
	PipelineSessions   prometheus.Gauge

	// Durable sink.
	WABDepth       prometheus.Gauge
	FlushLatency   prometheus.Histogram
	FlushFailures  prometheus.Counter
	ReadingsStored prometheus.Counter

	// Subscriber hub.
	SubscribersConnected   prometheus.Gauge
	SubscriberDroppedFrame *prometheus.CounterVec // labels: policy (slow_drop|disconnect)

	// Alert engine.
	AlertsOpen      *prometheus.GaugeVec // labels: severity
	AlertsFired     *prometheus.CounterVec
	AlertDeadLetter prometheus.Counter

	// Shutdown accounting.
	ShutdownLostReadings prometheus.Counter
}

// New constructs a Metrics instance with all gateway collectors registered
// on a fresh registry, alongside the standard Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		IngestFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorgw_ingest_frames_total",
			Help: "Frames accepted for decoding, by transport source.",
		}, []string{"source"}),

		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorgw_ingest_rejected_total",
			Help: "Frames rejected before the pipeline, by reason.",
		}, []string{"reason"}),

		ReadingsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorgw_readings_invalid_total",
			Help: "Readings graded quality=invalid by range validation.",
		}),

		PipelineQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorgw_pipeline_queue_depth",
			Help: "Buffered frames per pipeline shard.",
		}, []string{"shard"}),

		PipelineSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorgw_pipeline_sessions",
			Help: "Live per-device pipeline sessions.",
		}),

		WABDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorgw_durable_wab_depth",
			Help: "Readings waiting in the write-ahead buffer.",
		}),

		FlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensorgw_durable_flush_latency_seconds",
			Help:    "Latency of durable sink batch flushes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorgw_durable_flush_failures_total",
			Help: "Durable sink flush attempts that failed and were retried.",
		}),

		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorgw_durable_readings_stored_total",
			Help: "Readings acknowledged by the durable sink.",
		}),

		SubscribersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorgw_subscribers_connected",
			Help: "Currently connected WebSocket subscribers.",
		}),

		SubscriberDroppedFrame: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorgw_subscriber_dropped_frames_total",
			Help: "Frames dropped on slow subscriber outboxes, by policy.",
		}, []string{"policy"}),

		AlertsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorgw_alerts_open",
			Help: "Alerts currently in the open state, by severity.",
		}, []string{"severity"}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorgw_alerts_fired_total",
			Help: "Alert transitions into the open state, by severity.",
		}, []string{"severity"}),

		AlertDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorgw_alert_dead_letter_total",
			Help: "Alert notifications abandoned after delivery retries.",
		}),

		ShutdownLostReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorgw_shutdown_lost_readings_total",
			Help: "Readings lost because the drain deadline expired.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestFrames,
		m.IngestRejected,
		m.ReadingsInvalid,
		m.PipelineQueueDepth,
		m.PipelineSessions,
		m.WABDepth,
		m.FlushLatency,
		m.FlushFailures,
		m.ReadingsStored,
		m.SubscribersConnected,
		m.SubscriberDroppedFrame,
		m.AlertsOpen,
		m.AlertsFired,
		m.AlertDeadLetter,
		m.ShutdownLostReadings,
	)

	return m
}

// Handler returns the HTTP handler serving this instance's registry in
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
