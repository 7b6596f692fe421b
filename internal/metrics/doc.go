/*
Package metrics exports blobcache runtime metrics to Prometheus.

A Collector is handed to the cache engine as its cache.Metrics
implementation and to the idle reaper as its observer. Worker pool and
connection statistics are read at scrape time through RegisterPools and
RegisterConnections.

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	opts.Metrics = collector
	reaper.SetObserver(collector)
	_ = collector.RegisterPools(engine.PoolStats)
	_ = collector.Start(ctx)

Exported series (namespace "blobcache" by default):

	cache_requests_total{type,tier}
	index_lookups_total{result}
	cache_evictions_total, cache_evicted_bytes_total
	cache_write_failures_total, cache_dropped_writes_total
	cache_entries, cache_size_bytes
	reaped_connections_total, open_connections
	pool_queued_tasks{pool}, pool_running_tasks{pool}
	pool_completed_tasks_total{pool}, pool_rejected_tasks_total{pool}, pool_panics_total{pool}
	operations_total{operation,status}
	operation_duration_seconds{operation}, operation_size_bytes{operation}
*/
package metrics
