// Package metrics provides Prometheus metrics for the ingestion pipeline.
//
// All methods are safe to call on a nil *Metrics, so components can be built
// without metrics in tests and one-shot CLI invocations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "niftysave"

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Counters
	SlicesEnqueued    prometheus.Counter
	CommandsProcessed *prometheus.CounterVec
	RecordsWritten    prometheus.Counter
	SlicesSplit       prometheus.Counter
	SlicesCompleted   prometheus.Counter
	CommandsPurged    *prometheus.CounterVec

	// Gauges
	QueueDepth     *prometheus.GaugeVec
	InFlight       prometheus.Gauge
	OldestUnacked  prometheus.Gauge
	CursorLag      prometheus.Gauge
	RecentFailures prometheus.Gauge
	Healthy        prometheus.Gauge
	State          prometheus.Gauge

	// Histograms
	CommandDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates metrics registered on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SlicesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slices_enqueued_total",
		Help:      "Time slices handed to the queue by the filler",
	})
	m.CommandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_processed_total",
		Help:      "Commands handled by workers",
	}, []string{"kind", "status"}) // status: "success", "error"
	m.RecordsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_written_total",
		Help:      "Ingest records upserted into the store",
	})
	m.SlicesSplit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slices_split_total",
		Help:      "Slices too dense for one execution that were split",
	})
	m.SlicesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slices_completed_total",
		Help:      "Slices whose final page was ingested",
	})
	m.CommandsPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_purged_total",
		Help:      "Commands removed by the purge sweep",
	}, []string{"kind", "reason"})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Commands stored in the queue",
	}, []string{"kind"})
	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_in_flight",
		Help:      "Commands currently hidden by a visibility timeout",
	})
	m.OldestUnacked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_oldest_unacked_seconds",
		Help:      "Age of the oldest command still in the queue",
	})
	m.CursorLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor_lag_seconds",
		Help:      "Distance between now and the ingest cursor",
	})
	m.RecentFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recent_failures",
		Help:      "Dead letters recorded within the failure window",
	})
	m.Healthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "healthy",
		Help:      "1 when every health threshold holds",
	})

	m.State = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lifecycle_state",
		Help:      "Runner state: 0 stopped, 1 starting, 2 running, 3 stopping, 4 crashed",
	})

	m.CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time to handle one command",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	m.registry.MustRegister(
		m.SlicesEnqueued,
		m.CommandsProcessed,
		m.RecordsWritten,
		m.SlicesSplit,
		m.SlicesCompleted,
		m.CommandsPurged,
		m.QueueDepth,
		m.InFlight,
		m.OldestUnacked,
		m.CursorLag,
		m.RecentFailures,
		m.Healthy,
		m.State,
		m.CommandDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddSlicesEnqueued counts slices accepted by the queue.
func (m *Metrics) AddSlicesEnqueued(n int) {
	if m == nil {
		return
	}
	m.SlicesEnqueued.Add(float64(n))
}

// RecordCommand counts one handled command and its duration.
func (m *Metrics) RecordCommand(kind string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.CommandsProcessed.WithLabelValues(kind, status).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// AddRecordsWritten counts upserted records.
func (m *Metrics) AddRecordsWritten(n int) {
	if m == nil {
		return
	}
	m.RecordsWritten.Add(float64(n))
}

// IncSlicesSplit counts a split slice.
func (m *Metrics) IncSlicesSplit() {
	if m == nil {
		return
	}
	m.SlicesSplit.Inc()
}

// IncSlicesCompleted counts a completed slice.
func (m *Metrics) IncSlicesCompleted() {
	if m == nil {
		return
	}
	m.SlicesCompleted.Inc()
}

// IncPurged counts a purged command.
func (m *Metrics) IncPurged(kind, reason string) {
	if m == nil {
		return
	}
	m.CommandsPurged.WithLabelValues(kind, reason).Inc()
}

// HealthSnapshot is what the health reporter publishes.
type HealthSnapshot struct {
	DepthByKind    map[string]int
	InFlight       int
	OldestUnacked  time.Duration
	CursorLag      time.Duration
	RecentFailures int
	Healthy        bool
}

// ObserveHealth updates the health gauges.
func (m *Metrics) ObserveHealth(s HealthSnapshot) {
	if m == nil {
		return
	}
	for kind, depth := range s.DepthByKind {
		m.QueueDepth.WithLabelValues(kind).Set(float64(depth))
	}
	m.InFlight.Set(float64(s.InFlight))
	m.OldestUnacked.Set(s.OldestUnacked.Seconds())
	m.CursorLag.Set(s.CursorLag.Seconds())
	m.RecentFailures.Set(float64(s.RecentFailures))
	if s.Healthy {
		m.Healthy.Set(1)
	} else {
		m.Healthy.Set(0)
	}
}

// SetState records the runner lifecycle state.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}
