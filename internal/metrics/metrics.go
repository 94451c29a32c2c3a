package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for the agent. One instance
// per process, registered on its own registry so tests can construct
// isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	ReadingsCollected prometheus.Counter
	ReadingsInserted  prometheus.Counter
	ReadingsRejected  prometheus.Counter
	ReadingsUploaded  prometheus.Counter
	InsertRetries     prometheus.Counter
	CyclesSkipped     *prometheus.CounterVec
	CycleFailures     *prometheus.CounterVec
	CycleDuration     *prometheus.HistogramVec
	PendingQueueDepth prometheus.Gauge
	ConfigChanges     *prometheus.CounterVec
}

// New creates and registers the agent's instruments.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ReadingsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metersync_readings_collected_total",
			Help: "Readings produced by device collection.",
		}),
		ReadingsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metersync_readings_inserted_total",
			Help: "Readings committed to the local store.",
		}),
		ReadingsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metersync_readings_rejected_total",
			Help: "Readings dropped by validation.",
		}),
		ReadingsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metersync_readings_uploaded_total",
			Help: "Readings confirmed committed on the remote database.",
		}),
		InsertRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metersync_insert_retries_total",
			Help: "Batch insert retry attempts.",
		}),
		CyclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metersync_cycles_skipped_total",
			Help: "Cycles skipped because the previous run was still executing.",
		}, []string{"task"}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metersync_cycle_failures_total",
			Help: "Cycles that ended with an error.",
		}, []string{"task"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metersync_cycle_duration_seconds",
			Help:    "Wall-clock duration of completed cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		PendingQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metersync_pending_queue_depth",
			Help: "Unsynchronized readings in the local store.",
		}),
		ConfigChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metersync_config_changes_total",
			Help: "Configuration rows changed by download sync.",
		}, []string{"op"}),
	}

	m.Registry.MustRegister(
		m.ReadingsCollected,
		m.ReadingsInserted,
		m.ReadingsRejected,
		m.ReadingsUploaded,
		m.InsertRetries,
		m.CyclesSkipped,
		m.CycleFailures,
		m.CycleDuration,
		m.PendingQueueDepth,
		m.ConfigChanges,
	)

	return m
}
