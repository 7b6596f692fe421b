package cache

// Tier identifies where a hit was served from.
type Tier int

const (
	// TierMemory holds small payloads in process memory.
	TierMemory Tier = iota
	// TierDisk holds payloads as files under the cache directory.
	TierDisk
	// TierRemote is a file owned by another cache process, found via the index.
	TierRemote
)

// String returns string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Metrics receives engine events. Implementations must be safe for concurrent use.
type Metrics interface {
	Hit(tier Tier)
	Miss()
	Evict(bytes int64)
	WriteFailed()
	Dropped()
	RemoteLookup(hit bool)
	Size(entries int, bytes int64)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) Hit(Tier) {}
func (NoopMetrics) Miss() {}
func (NoopMetrics) Evict(int64) {}
func (NoopMetrics) WriteFailed() {}
func (NoopMetrics) Dropped() {}
func (NoopMetrics) RemoteLookup(bool) {}
func (NoopMetrics) Size(int, int64) {}
