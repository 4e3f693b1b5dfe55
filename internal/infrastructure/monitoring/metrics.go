package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Worker metrics
	WorkersSpawned *prometheus.CounterVec
	WorkersActive  prometheus.Gauge
	WorkerExits    *prometheus.CounterVec
	SpawnDuration  *prometheus.HistogramVec
	SandboxSkips   *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
	Violations      prometheus.Counter

	// Frame metrics
	FramesDecoded prometheus.Counter
	FrameBytes    prometheus.Histogram
}

// NewMetrics creates a metrics collector registered on its own registry.
// Hosts that already run a Prometheus endpoint can gather it via Registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WorkersSpawned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_spawned_total",
				Help:      "Total number of decoder processes spawned",
			},
			[]string{"mechanism"},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of live decoder processes",
			},
		),
		WorkerExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_exits_total",
				Help:      "Decoder process exits by reason",
			},
			[]string{"reason"},
		),
		SpawnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "spawn_duration_seconds",
				Help:      "Time from spawn to a ready worker",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"mechanism"},
		),
		SandboxSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_fallbacks_total",
				Help:      "Sandbox mechanisms skipped during automatic selection",
			},
			[]string{"mechanism"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of open decode sessions",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Round trip time of protocol requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed operations by error kind",
			},
			[]string{"kind"},
		),
		Violations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_violations_total",
				Help:      "Messages rejected as hostile or malformed",
			},
		),

		FramesDecoded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_decoded_total",
				Help:      "Frames received from decoders",
			},
		),
		FrameBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_bytes",
				Help:      "Size of mapped frame buffers",
				Buckets:   prometheus.ExponentialBuckets(4096, 4, 10),
			},
		),
	}
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSpawn records a worker that reached the ready state
func (m *Metrics) RecordSpawn(mechanism string, duration time.Duration) {
	m.WorkersSpawned.WithLabelValues(mechanism).Inc()
	m.SpawnDuration.WithLabelValues(mechanism).Observe(duration.Seconds())
}

// RecordExit records a worker leaving the process table
func (m *Metrics) RecordExit(reason string) {
	m.WorkerExits.WithLabelValues(reason).Inc()
}

// SetWorkersActive sets the live process count
func (m *Metrics) SetWorkersActive(n int) {
	m.WorkersActive.Set(float64(n))
}

// RecordSkip records a sandbox mechanism passed over by automatic selection
func (m *Metrics) RecordSkip(mechanism string) {
	m.SandboxSkips.WithLabelValues(mechanism).Inc()
}

// RecordError records a failed operation
func (m *Metrics) RecordError(kind string) {
	m.Errors.WithLabelValues(kind).Inc()
}

// RecordViolation records a rejected worker message
func (m *Metrics) RecordViolation() {
	m.Violations.Inc()
}

// RecordFrame records a frame handed to the caller
func (m *Metrics) RecordFrame(size int) {
	m.FramesDecoded.Inc()
	m.FrameBytes.Observe(float64(size))
}

// IncSessions increments the open session gauge
func (m *Metrics) IncSessions() {
	m.SessionsActive.Inc()
}

// DecSessions decrements the open session gauge
func (m *Metrics) DecSessions() {
	m.SessionsActive.Dec()
}

// Timer measures the duration of one protocol request
type Timer struct {
	start   time.Time
	metrics *Metrics
	op      string
}

// NewTimer starts a timer for op
func NewTimer(metrics *Metrics, op string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		op:      op,
	}
}

// Stop records the elapsed time
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	t.metrics.RequestDuration.WithLabelValues(t.op).Observe(duration.Seconds())
	return duration
}
