package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scanpipe/scanpipe/internal/stream"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Streaming engine metrics
	BytesPumped       prometheus.Counter
	BytesDropped      prometheus.Counter
	LinesEmitted      prometheus.Counter
	LinesTruncated    prometheus.Counter
	Compactions       *prometheus.CounterVec
	AccumulatorResets prometheus.Counter

	// Worker lifecycle metrics
	WorkersSpawned prometheus.Counter
	WorkersActive  prometheus.Gauge
	WorkerExits    *prometheus.CounterVec

	// Watchdog metrics
	WatchdogEscalations prometheus.Counter
	SignalsSent         prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates the metrics collector. Call once per process; the
// collectors register in the default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanpipe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanpipe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		BytesPumped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_stream_bytes_pumped_total",
				Help: "Bytes read from worker pipes into ring buffers",
			},
		),
		BytesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_stream_bytes_dropped_total",
				Help: "Bytes lost to ring buffer overflow",
			},
		),
		LinesEmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_stream_lines_total",
				Help: "Complete lines delivered to consumers",
			},
		),
		LinesTruncated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_stream_lines_truncated_total",
				Help: "Lines emitted through a forced maximum-length boundary",
			},
		),
		Compactions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanpipe_stream_compactions_total",
				Help: "Accumulator compaction events by tier",
			},
			[]string{"tier"},
		),
		AccumulatorResets: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_stream_accumulator_resets_total",
				Help: "Accumulator self-heal resets after cursor corruption",
			},
		),

		WorkersSpawned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_workers_spawned_total",
				Help: "Worker subprocesses spawned",
			},
		),
		WorkersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanpipe_workers_active",
				Help: "Worker subprocesses currently running",
			},
		),
		WorkerExits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanpipe_worker_exits_total",
				Help: "Worker exits by outcome",
			},
			[]string{"outcome"},
		),

		WatchdogEscalations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_watchdog_escalations_total",
				Help: "Watchdog force-quit escalations",
			},
		),
		SignalsSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanpipe_watchdog_signals_total",
				Help: "Termination signals broadcast to workers",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanpipe_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// AddStreamStats folds one worker's final streaming counters into the
// process-wide metrics.
func (m *Metrics) AddStreamStats(dropped uint64, stats stream.AccumulatorStats) {
	m.BytesDropped.Add(float64(dropped))
	m.LinesTruncated.Add(float64(stats.Truncations))
	m.AccumulatorResets.Add(float64(stats.Resets))
	m.Compactions.WithLabelValues("emergency").Add(float64(stats.EmergencySlides))
	m.Compactions.WithLabelValues("moderate").Add(float64(stats.ModerateDiscards))
	m.Compactions.WithLabelValues("light").Add(float64(stats.LightSlides))
	m.Compactions.WithLabelValues("ample").Add(float64(stats.AmpleSlides))
}
