/*
Package metrics provides Prometheus metrics collection and exposition for the
proxy data buffer.

Metrics are registered at package init against the default Prometheus
registry and exposed over HTTP via Handler(), matching the rest of the
ambient stack's convention of a package-level var block plus one init().

# Core Series

  - pbuffer_memory_used_bytes / pbuffer_memory_total_bytes: arena occupancy.
  - pbuffer_state / pbuffer_state_changes_total: FSM write destination and churn.
  - pbuffer_queue_depth{record_type}: in-memory record counts.
  - pbuffer_evictions_total{record_type}, pbuffer_db_gap_retries_total{record_type}.
  - pbuffer_records_added_total{record_type,backend}, pbuffer_records_dropped_total{record_type}.
  - pbuffer_flush_duration_seconds, pbuffer_get_rows_duration_seconds{record_type}.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)
	// ... flush work ...

	metrics.QueueDepth.WithLabelValues("history").Set(float64(store.Len()))

# See Also

  - pkg/log for the structured logging half of the ambient stack.
*/
package metrics
