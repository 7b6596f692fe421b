package cache

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/blobcache/internal/index"
	"github.com/objectfs/blobcache/internal/workerpool"
	cerrors "github.com/objectfs/blobcache/pkg/errors"
	"github.com/objectfs/blobcache/pkg/types"
	"github.com/objectfs/blobcache/pkg/utils"
)

const (
	// DefaultSmallObjectThreshold is the largest payload kept in memory.
	DefaultSmallObjectThreshold = 1 << 20

	readBufferSize = 1 << 20
)

// Index is the host-local location index shared by cache processes.
type Index interface {
	Lookup(ctx context.Context, key string) (index.Record, bool)
	Publish(ctx context.Context, rec index.Record)
}

// Options configures an Engine.
type Options struct {
	Capacity             int64
	Path                 string
	SmallObjectThreshold int64
	Digest               string
	WritePool            workerpool.Config
	DeletePool           workerpool.Config
	Index                Index
	Metrics              Metrics
	Logger               *slog.Logger
}

// DefaultWritePool returns the write pool defaults: a dropped write is only a future miss.
func DefaultWritePool() workerpool.Config {
	return workerpool.Config{Name: "write-pool", Workers: 50, QueueSize: 1024, Overflow: workerpool.OverflowReject}
}

// DefaultDeletePool returns the delete pool defaults: a dropped delete would orphan a file.
func DefaultDeletePool() workerpool.Config {
	return workerpool.Config{Name: "delete-pool", Workers: 2, QueueSize: 4096, Overflow: workerpool.OverflowBlock}
}

// DefaultOptions returns options with every optional field set to its default.
func DefaultOptions() Options {
	return Options{
		SmallObjectThreshold: DefaultSmallObjectThreshold,
		Digest:               utils.DigestMD5,
		WritePool:            DefaultWritePool(),
		DeletePool:           DefaultDeletePool(),
	}
}

// Engine is a capacity-bounded LRU cache of immutable blobs. Small payloads
// live in memory, everything else in content-addressed files under Path.
// Writes and deletes run asynchronously on bounded worker pools.
type Engine struct {
	dir       string
	capacity  int64
	threshold int64
	addresser *utils.ContentAddresser
	index     Index
	metrics   Metrics
	logger    *slog.Logger

	writes  *workerpool.Pool
	deletes *workerpool.Pool

	// mu guards keys, list, current and the entry counters; they change together.
	mu         sync.Mutex
	keys       map[string]handle
	list       *recencyList
	current    int64
	memEntries int
	pending    int
	lastMillis int64

	hits          atomic.Uint64
	memoryHits    atomic.Uint64
	remoteHits    atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	writeFailures atomic.Uint64
	dropped       atomic.Uint64

	closed atomic.Bool

	openFile func(path string) (io.WriteCloser, error)
	now      func() time.Time
}

// New creates an engine. Only configuration problems are reported.
func New(opts Options) (*Engine, error) {
	if opts.Capacity <= 0 {
		return nil, cerrors.Newf(cerrors.ErrCodeInvalidConfig, "capacity must be positive, got %d", opts.Capacity).
			WithComponent("cache").WithOperation("new")
	}
	if err := utils.ValidatePath(opts.Path, true); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid cache path").
			WithComponent("cache").WithOperation("new")
	}
	if opts.SmallObjectThreshold < 0 {
		opts.SmallObjectThreshold = 0
	}
	if opts.WritePool.Workers <= 0 {
		opts.WritePool = DefaultWritePool()
	}
	if opts.DeletePool.Workers <= 0 {
		opts.DeletePool = DefaultDeletePool()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}

	addresser, err := utils.NewContentAddresser(opts.Digest)
	if err != nil {
		return nil, err
	}

	logger := utils.ComponentLogger(opts.Logger, "cache")

	writes, err := workerpool.New(opts.WritePool, opts.Logger)
	if err != nil {
		return nil, err
	}
	deletes, err := workerpool.New(opts.DeletePool, opts.Logger)
	if err != nil {
		_ = writes.Close(context.Background())
		return nil, err
	}

	e := &Engine{
		dir:       opts.Path,
		capacity:  opts.Capacity,
		threshold: opts.SmallObjectThreshold,
		addresser: addresser,
		index:     opts.Index,
		metrics:   opts.Metrics,
		logger:    logger,
		writes:    writes,
		deletes:   deletes,
		keys:      make(map[string]handle),
		list:      newRecencyList(),
		openFile:  createExclusive,
		now:       time.Now,
	}

	logger.Info("cache engine created",
		"path", opts.Path,
		"capacity", utils.FormatBytes(opts.Capacity),
		"small_object_threshold", opts.SmallObjectThreshold,
		"digest", addresser.Algorithm(),
		"index", opts.Index != nil)

	return e, nil
}

// Get returns a stream over the cached payload for key. Every failure is a miss.
func (e *Engine) Get(ctx context.Context, key string) (io.ReadCloser, bool) {
	e.mu.Lock()
	h, ok := e.keys[key]
	var ent *entry
	if ok {
		ent = e.list.get(h)
	}
	if ent == nil || ent.pending {
		e.mu.Unlock()
		return e.getRemote(ctx, key)
	}

	e.list.moveToBack(h)
	tier, data, path := ent.tier, ent.data, ent.path
	e.mu.Unlock()

	if tier == TierMemory {
		e.recordHit(TierMemory)
		return io.NopCloser(bytes.NewReader(data)), true
	}

	f, err := os.Open(path)
	if err != nil {
		e.logger.Warn("cached file vanished", "key", key, "path", path, "error", err)
		e.dropStale(key, h)
		return e.getRemote(ctx, key)
	}

	e.recordHit(TierDisk)
	return newFileReader(f, -1), true
}

// Put stores payload[:size] under key asynchronously. The call never blocks on I/O.
func (e *Engine) Put(key string, payload []byte, size int64) {
	if e.closed.Load() {
		return
	}
	if key == "" || len(payload) == 0 || size <= 0 || size > int64(len(payload)) {
		e.logger.Debug("ignoring invalid put", "key", key, "payload", len(payload), "size", size)
		return
	}

	buf := make([]byte, size)
	copy(buf, payload[:size])

	if err := e.writes.Submit(context.Background(), func() { e.write(key, buf) }); err != nil {
		e.dropped.Add(1)
		e.metrics.Dropped()
		e.logger.Warn("dropping cache write", "key", key, "size", size, "error", err)
	}
}

// Flush waits until every queued write and delete has run.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.writes.Drain(ctx); err != nil {
		return err
	}
	return e.deletes.Drain(ctx)
}

// Close drains and stops both worker pools. Further puts are ignored.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.writes.Close(ctx); err != nil {
		return err
	}
	if err := e.deletes.Close(ctx); err != nil {
		return err
	}
	e.logger.Info("cache engine closed", "entries", e.Len(), "size", utils.FormatBytes(e.Size()))
	return nil
}

// Len returns the number of entries, including writes still in flight.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

// Size returns the bytes accounted to the cache.
func (e *Engine) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Capacity returns the configured byte budget.
func (e *Engine) Capacity() int64 {
	return e.capacity
}

// Stats returns a snapshot of the cache statistics.
func (e *Engine) Stats() types.CacheStats {
	e.mu.Lock()
	stats := types.CacheStats{
		Entries:        len(e.keys),
		MemoryEntries:  e.memEntries,
		PendingEntries: e.pending,
		Size:           e.current,
		Capacity:       e.capacity,
	}
	e.mu.Unlock()

	stats.Hits = e.hits.Load()
	stats.MemoryHits = e.memoryHits.Load()
	stats.RemoteHits = e.remoteHits.Load()
	stats.Misses = e.misses.Load()
	stats.Evictions = e.evictions.Load()
	stats.WriteFailures = e.writeFailures.Load()
	stats.DroppedWrites = e.dropped.Load()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Utilization = float64(stats.Size) / float64(stats.Capacity)

	return stats
}

// PoolStats returns statistics for the write and delete pools.
func (e *Engine) PoolStats() []types.PoolStats {
	return []types.PoolStats{e.writes.Stats(), e.deletes.Stats()}
}

// getRemote consults the shared index after a local miss.
func (e *Engine) getRemote(ctx context.Context, key string) (io.ReadCloser, bool) {
	if e.index == nil {
		e.recordMiss()
		return nil, false
	}

	rec, ok := e.index.Lookup(ctx, key)
	e.metrics.RemoteLookup(ok)
	if !ok {
		e.recordMiss()
		return nil, false
	}
	if e.ownsPath(rec.Location) {
		// our own record outlived its entry; the file is queued for deletion or replaced
		e.logger.Debug("ignoring stale local record", "key", key, "path", rec.Location)
		e.recordMiss()
		return nil, false
	}
	if rec.Size <= 0 || rec.Size > e.capacity {
		e.logger.Debug("ignoring remote record", "key", key, "size", rec.Size, "capacity", e.capacity)
		e.recordMiss()
		return nil, false
	}

	f, err := os.Open(rec.Location)
	if err != nil {
		e.logger.Debug("remote file unavailable", "key", key, "path", rec.Location, "error", err)
		e.recordMiss()
		return nil, false
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || info.Size() != rec.Size {
		_ = f.Close()
		e.logger.Debug("remote file does not match record", "key", key, "path", rec.Location, "size", rec.Size)
		e.recordMiss()
		return nil, false
	}

	if rec.Size <= e.threshold {
		data := make([]byte, rec.Size)
		_, err := io.ReadFull(f, data)
		_ = f.Close()
		if err != nil {
			e.logger.Warn("failed to read remote file", "key", key, "path", rec.Location, "error", err)
			e.recordMiss()
			return nil, false
		}
		e.write(key, data)
		e.recordHit(TierRemote)
		return io.NopCloser(bytes.NewReader(data)), true
	}

	e.recordHit(TierRemote)
	return newFileReader(f, rec.Size), true
}

// write runs on a write worker: reserve space, persist outside the lock, then commit or roll back.
func (e *Engine) write(key string, payload []byte) {
	size := int64(len(payload))
	tier := e.tierFor(size)

	e.mu.Lock()
	h, path, victims, ok := e.reserveLocked(key, size, tier)
	e.mu.Unlock()

	e.queueDeletes(victims)
	if !ok {
		e.logger.Warn("object larger than cache capacity",
			"key", key, "size", size, "capacity", e.capacity)
		e.publishSize()
		return
	}

	var err error
	if tier == TierDisk {
		err = e.flushToDisk(path, payload)
	}

	e.mu.Lock()
	stale := e.commitLocked(h, payload, err)
	e.mu.Unlock()

	switch {
	case err != nil:
		e.writeFailures.Add(1)
		e.metrics.WriteFailed()
		e.logger.Warn("cache write failed", "key", key, "path", path, "error", err)
	case stale:
		// evicted while persisting: the writer owns the only reference to its file
		if tier == TierDisk {
			e.removeFile(path)
		}
	case tier == TierDisk && e.index != nil:
		e.index.Publish(context.Background(), index.Record{Key: key, Location: path, Size: size})
	}
	e.publishSize()
}

func (e *Engine) tierFor(size int64) Tier {
	if size <= e.threshold {
		return TierMemory
	}
	return TierDisk
}

// reserveLocked makes room for size bytes and appends a pending entry for key.
// It returns the disk files of evicted entries for deletion after unlock.
func (e *Engine) reserveLocked(key string, size int64, tier Tier) (handle, string, []string, bool) {
	var victims []string

	if old, ok := e.keys[key]; ok {
		if path, ok := e.removeLocked(old); ok {
			victims = append(victims, path)
		}
	}

	for deficit := e.current + size - e.capacity; deficit > 0; {
		h, ok := e.list.front()
		if !ok {
			break
		}
		ent := e.list.get(h)
		victimSize := ent.size
		if path, ok := e.removeLocked(h); ok {
			victims = append(victims, path)
		}
		deficit -= victimSize
		e.evictions.Add(1)
		e.metrics.Evict(victimSize)
	}

	if size > e.capacity {
		return handle{}, "", victims, false
	}

	var path string
	if tier == TierDisk {
		path = e.pathFor(key)
	}

	h := e.list.pushBack(entry{key: key, size: size, tier: tier, path: path, pending: true})
	e.keys[key] = h
	e.current += size
	e.pending++

	return h, path, victims, true
}

// removeLocked drops h from the index and the list. It returns the file to
// delete when the entry was a finished disk entry. Pending entries are left to
// their writer.
func (e *Engine) removeLocked(h handle) (string, bool) {
	ent, ok := e.list.remove(h)
	if !ok {
		return "", false
	}
	delete(e.keys, ent.key)
	e.current -= ent.size

	switch {
	case ent.pending:
		e.pending--
	case ent.tier == TierMemory:
		e.memEntries--
	default:
		return ent.path, true
	}
	return "", false
}

// commitLocked finishes a reservation. It reports true when the entry was
// evicted or replaced while it was being persisted.
func (e *Engine) commitLocked(h handle, payload []byte, err error) bool {
	ent := e.list.get(h)
	if ent == nil {
		return true
	}

	if err != nil {
		e.list.remove(h)
		delete(e.keys, ent.key)
		e.current -= ent.size
		e.pending--
		return false
	}

	ent.pending = false
	e.pending--
	if ent.tier == TierMemory {
		ent.data = payload
		e.memEntries++
	}
	return false
}

// dropStale forgets an entry whose file disappeared underneath the cache.
func (e *Engine) dropStale(key string, h handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.keys[key]; ok && cur == h {
		e.removeLocked(h)
	}
}

func (e *Engine) queueDeletes(paths []string) {
	for _, path := range paths {
		path := path
		if err := e.deletes.Submit(context.Background(), func() { e.removeFile(path) }); err != nil {
			e.removeFile(path)
		}
	}
}

func (e *Engine) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to delete cached file", "path", path, "error", err)
	}
}

func (e *Engine) recordHit(tier Tier) {
	e.hits.Add(1)
	switch tier {
	case TierMemory:
		e.memoryHits.Add(1)
	case TierRemote:
		e.remoteHits.Add(1)
	}
	e.metrics.Hit(tier)
}

func (e *Engine) recordMiss() {
	e.misses.Add(1)
	e.metrics.Miss()
}

func (e *Engine) publishSize() {
	e.mu.Lock()
	entries, size := len(e.keys), e.current
	e.mu.Unlock()
	e.metrics.Size(entries, size)
}

// fileReader streams a cached file through a large buffer.
type fileReader struct {
	r io.Reader
	f *os.File
}

func newFileReader(f *os.File, limit int64) *fileReader {
	var r io.Reader = bufio.NewReaderSize(f, readBufferSize)
	if limit >= 0 {
		r = io.LimitReader(r, limit)
	}
	return &fileReader{r: r, f: f}
}

func (r *fileReader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

func (r *fileReader) Close() error {
	return r.f.Close()
}
