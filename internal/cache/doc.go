/*
Package cache implements a capacity-bounded LRU cache for large immutable
blobs fetched from an object store.

# Storage tiers

Payloads at or below Options.SmallObjectThreshold are held in memory; larger
payloads are written to files named "<millis>.<digest>" under Options.Path.
Both tiers share one byte budget and one recency list.

# Write path

Put copies the payload and hands it to the write pool. A write worker:

 1. evicts least recently used entries until the new payload fits
 2. reserves a pending entry at the tail of the recency list
 3. persists the payload outside the lock
 4. commits the entry, or rolls it back on failure

Pending entries are invisible to Get. Evicted files are removed by the
delete pool.

# Shared index

When Options.Index is set, finished disk entries are published to the
host-local index and local misses are looked up there. A remote record is
trusted only if the file exists with the advertised size. Small remote
payloads are admitted into the memory tier; large ones are streamed
directly from the other process's file.

# Usage

	mgr := cache.NewManager(cache.ManagerDeps{Options: cache.DefaultOptions()})
	if err := mgr.Initialize(true, 10<<30, "/var/cache/blobcache"); err != nil {
		return err
	}
	defer mgr.Close(ctx)

	if rc, ok := mgr.Get(ctx, key); ok {
		defer rc.Close()
		// serve from cache
	}
	mgr.Put(key, payload, int64(len(payload)))
*/
package cache
