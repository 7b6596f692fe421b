package index

const (
	// HeaderKey carries the logical cache key on lookups and publishes.
	HeaderKey = "x-nv-key"
	// HeaderValue carries the storage location of a published entry.
	HeaderValue = "x-nv-value"
	// HeaderSize carries the byte size of a published entry.
	HeaderSize = "x-nv-size"

	// DefaultAddress is where the host-local index service listens.
	DefaultAddress = "127.0.0.1:9999"

	// maxDrain bounds how much of an unexpected response body is read before closing.
	maxDrain = 64 * 1024
)

// Record is an advisory index entry: a key and where another process stored it.
type Record struct {
	Key      string
	Location string
	Size     int64
}
