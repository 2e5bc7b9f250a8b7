package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MemoryUsedBytes reports the arena bytes currently allocated.
	MemoryUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbuffer_memory_used_bytes",
			Help: "Bytes currently allocated from the buffer's memory arena",
		},
	)

	// MemoryTotalBytes reports the configured arena size.
	MemoryTotalBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbuffer_memory_total_bytes",
			Help: "Total configured size of the buffer's memory arena",
		},
	)

	// State is 1 when the write destination is memory, 0 when it is the database.
	State = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbuffer_state",
			Help: "Current buffer state (1 = memory is write destination, 0 = database is write destination)",
		},
	)

	StateChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pbuffer_state_changes_total",
			Help: "Total number of terminal-state transitions (database<->memory)",
		},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbuffer_evictions_total",
			Help: "Total number of records evicted from memory by record type",
		},
		[]string{"record_type"},
	)

	DBGapRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbuffer_db_gap_retries_total",
			Help: "Total number of times the database reader waited out an id gap",
		},
		[]string{"record_type"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pbuffer_queue_depth",
			Help: "Number of records currently held in memory by record type",
		},
		[]string{"record_type"},
	)

	AddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbuffer_records_added_total",
			Help: "Total number of records accepted by add_* by record type and backend",
		},
		[]string{"record_type", "backend"},
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbuffer_records_dropped_total",
			Help: "Total number of records dropped on no-memory by record type",
		},
		[]string{"record_type"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbuffer_flush_duration_seconds",
			Help:    "Time taken to flush memory records to the database",
			Buckets: prometheus.DefBuckets,
		},
	)

	GetRowsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbuffer_get_rows_duration_seconds",
			Help:    "Time taken to serve a get_rows call by record type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"record_type"},
	)
)

func init() {
	prometheus.MustRegister(MemoryUsedBytes)
	prometheus.MustRegister(MemoryTotalBytes)
	prometheus.MustRegister(State)
	prometheus.MustRegister(StateChangesTotal)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(DBGapRetriesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(AddedTotal)
	prometheus.MustRegister(DroppedTotal)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(GetRowsDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
