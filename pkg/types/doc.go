/*
Package types provides the value types shared between the blobcache components.

The cache engine, the worker pools and the connection manager each report a
statistics snapshot. Those snapshots live here so that the metrics collector and
hosts can consume them without importing the internal packages that produce them.

	CacheStats       - hit/miss/eviction counters and byte accounting of one engine
	PoolStats        - queue depth and task counters of one worker pool
	ConnectionStats  - dial/reap counters of the index connection manager

All types are plain values; a snapshot never aliases live state.
*/
package types
