package types

import "time"

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits           uint64  `json:"hits"`
	MemoryHits     uint64  `json:"memory_hits"`
	RemoteHits     uint64  `json:"remote_hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	WriteFailures  uint64  `json:"write_failures"`
	DroppedWrites  uint64  `json:"dropped_writes"`
	Entries        int     `json:"entries"`
	MemoryEntries  int     `json:"memory_entries"`
	PendingEntries int     `json:"pending_entries"`
	Size           int64   `json:"size"`
	Capacity       int64   `json:"capacity"`
	HitRate        float64 `json:"hit_rate"`
	Utilization    float64 `json:"utilization"`
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	QueueSize int    `json:"queue_size"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Rejected  uint64 `json:"rejected"`
	Panics    uint64 `json:"panics"`
}

// ConnectionStats represents connection pool statistics
type ConnectionStats struct {
	Open        int           `json:"open"`
	Dialed      uint64        `json:"dialed"`
	Reaped      uint64        `json:"reaped"`
	MaxOpen     int           `json:"max_open"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}
