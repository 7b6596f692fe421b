package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/objectfs/blobcache/pkg/types"
	"github.com/objectfs/blobcache/pkg/utils"
)

// ManagerDeps carries everything the manager needs besides capacity and path.
type ManagerDeps struct {
	// Options is the template for the engine; Capacity and Path are taken from Initialize.
	Options Options
	Logger  *slog.Logger
}

// Manager owns at most one Engine, built on the first enabled Initialize call.
// Until then Get misses and Put does nothing.
type Manager struct {
	deps   ManagerDeps
	logger *slog.Logger

	mu     sync.RWMutex
	engine *Engine
}

// NewManager creates an uninitialized manager.
func NewManager(deps ManagerDeps) *Manager {
	if deps.Options.Logger == nil {
		deps.Options.Logger = deps.Logger
	}
	return &Manager{
		deps:   deps,
		logger: utils.ComponentLogger(deps.Logger, "cache-manager"),
	}
}

// Initialize builds the engine once. Calls with enabled=false and calls after
// a successful initialization are no-ops.
func (m *Manager) Initialize(enabled bool, capacityBytes int64, path string) error {
	if !enabled {
		m.logger.Debug("cache disabled")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine != nil {
		return nil
	}

	opts := m.deps.Options
	opts.Capacity = capacityBytes
	opts.Path = path

	engine, err := New(opts)
	if err != nil {
		m.logger.Error("failed to initialize cache", "path", path, "capacity", capacityBytes, "error", err)
		return err
	}
	m.engine = engine
	return nil
}

// Initialized reports whether an engine exists.
func (m *Manager) Initialized() bool {
	return m.Engine() != nil
}

// Engine returns the engine, or nil before initialization.
func (m *Manager) Engine() *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

// Get returns a stream for key, or false on any miss.
func (m *Manager) Get(ctx context.Context, key string) (io.ReadCloser, bool) {
	engine := m.Engine()
	if engine == nil {
		return nil, false
	}
	return engine.Get(ctx, key)
}

// Put caches payload[:size] under key in the background.
func (m *Manager) Put(key string, payload []byte, size int64) {
	if engine := m.Engine(); engine != nil {
		engine.Put(key, payload, size)
	}
}

// Stats returns engine statistics, or zero values before initialization.
func (m *Manager) Stats() types.CacheStats {
	if engine := m.Engine(); engine != nil {
		return engine.Stats()
	}
	return types.CacheStats{}
}

// Close shuts the engine down.
func (m *Manager) Close(ctx context.Context) error {
	engine := m.Engine()
	if engine == nil {
		return nil
	}
	return engine.Close(ctx)
}
