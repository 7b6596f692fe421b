package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/objectfs/blobcache/internal/cache"
	"github.com/objectfs/blobcache/internal/circuit"
	"github.com/objectfs/blobcache/internal/config"
	"github.com/objectfs/blobcache/internal/conn"
	"github.com/objectfs/blobcache/internal/index"
	"github.com/objectfs/blobcache/internal/metrics"
	"github.com/objectfs/blobcache/internal/storage/s3"
	cerrors "github.com/objectfs/blobcache/pkg/errors"
	"github.com/objectfs/blobcache/pkg/types"
	"github.com/objectfs/blobcache/pkg/utils"
)

// Adapter wires configuration into a running blob cache in front of one bucket.
type Adapter struct {
	storageURI string
	bucket     string
	prefix     string
	config     *config.Configuration
	logger     *slog.Logger
	s3API      s3.GetObjectAPI

	metrics *metrics.Collector
	reaper  *conn.Reaper
	conns   *conn.Manager
	cache   *cache.Manager
	backend *s3.Backend
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger overrides the logger built from the global configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithS3API supplies the S3 client instead of building one from configuration.
func WithS3API(api s3.GetObjectAPI) Option {
	return func(a *Adapter) { a.s3API = api }
}

// New creates a new adapter for storageURI ("s3://bucket[/prefix]").
func New(ctx context.Context, storageURI string, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	bucket, prefix, err := parseStorageURI(storageURI)
	if err != nil {
		return nil, fmt.Errorf("invalid storage URI: %w", err)
	}

	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Adapter{
		storageURI: storageURI,
		bucket:     bucket,
		prefix:     prefix,
		config:     cfg,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		out, err := utils.OpenLogOutput(cfg.Global.LogFile)
		if err != nil {
			return nil, err
		}
		a.logger, err = utils.NewLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, out)
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Start builds and starts every component. On failure everything built so
// far is released again.
func (a *Adapter) Start(ctx context.Context) (err error) {
	cfg := a.config
	logger := utils.ComponentLogger(a.logger, "adapter")
	logger.Info("starting blobcache", "storage_uri", a.storageURI, "cache_path", cfg.Cache.Path,
		"capacity", cfg.Cache.Capacity, "index", cfg.Index.Enabled)

	defer func() {
		if err != nil {
			logger.Error("blobcache failed to start", "error", err)
			a.teardown(ctx)
		}
	}()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "blobcache",
	}, a.logger)
	if err != nil {
		return err
	}
	a.metrics = collector

	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	engineOpts.Metrics = collector
	engineOpts.Logger = a.logger

	if cfg.Index.Enabled {
		connCfg, err := cfg.ConnConfig()
		if err != nil {
			return err
		}
		a.reaper = conn.NewReaper(cfg.Reaper.Period, cfg.Reaper.IdleThreshold, a.logger)
		a.reaper.SetObserver(collector)
		a.conns = conn.NewManager(connCfg, a.reaper, a.logger)
		if err := collector.RegisterConnections(a.conns.Stats); err != nil {
			return err
		}
		client := index.NewClient(cfg.Index.Address, a.conns.HTTPClient(), a.logger)
		if cfg.Index.Breaker.Enabled {
			breakerCfg := cfg.Index.Breaker.Config
			breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
				logger.Warn("index circuit breaker state changed", "breaker", name, "from", from, "to", to)
				collector.BreakerStateChanged(name, from, to)
			}
			client.SetBreaker(circuit.New("index", breakerCfg))
		}
		engineOpts.Index = client
	}

	capacity := int64(0)
	if cfg.Cache.Enabled {
		if capacity, err = cfg.Capacity(); err != nil {
			return cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid cache capacity")
		}
	}
	a.cache = cache.NewManager(cache.ManagerDeps{Options: engineOpts, Logger: a.logger})
	if err := a.cache.Initialize(cfg.Cache.Enabled, capacity, cfg.Cache.Path); err != nil {
		return err
	}
	if engine := a.cache.Engine(); engine != nil {
		if err := collector.RegisterPools(engine.PoolStats); err != nil {
			return err
		}
		collector.SetStatsSource(engine.Stats)
	}

	s3Cfg := cfg.Storage.S3
	s3Cfg.Bucket = a.bucket
	api := a.s3API
	if api == nil {
		client, err := s3.NewClient(ctx, &s3Cfg)
		if err != nil {
			return err
		}
		api = client
	}
	a.backend, err = s3.NewBackend(api, a.cache, &s3Cfg, a.logger)
	if err != nil {
		return err
	}
	a.backend.SetObserver(collector)

	if err := collector.Start(ctx); err != nil {
		return err
	}
	if a.reaper != nil {
		a.reaper.Start(ctx)
	}

	logger.Info("blobcache started", "bucket", a.bucket, "prefix", a.prefix)
	return nil
}

// Stop gracefully stops the adapter
func (a *Adapter) Stop(ctx context.Context) error {
	logger := utils.ComponentLogger(a.logger, "adapter")
	logger.Info("stopping blobcache")

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.metrics != nil {
		keep(a.metrics.Stop(ctx))
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.cache != nil {
		keep(a.cache.Close(ctx))
	}
	if a.conns != nil {
		a.conns.Close()
	}

	logger.Info("blobcache stopped")
	return firstErr
}

// teardown releases the components of a partially started adapter.
func (a *Adapter) teardown(ctx context.Context) {
	if a.metrics != nil {
		_ = a.metrics.Stop(ctx)
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.cache != nil {
		_ = a.cache.Close(ctx)
	}
	if a.conns != nil {
		a.conns.Close()
	}
	a.metrics, a.reaper, a.cache, a.conns, a.backend = nil, nil, nil, nil, nil
}

// Open returns a stream over the object stored under key relative to the URI prefix.
func (a *Adapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if a.backend == nil {
		return nil, cerrors.New(cerrors.ErrCodeComponentStopped, "adapter not started").WithComponent("adapter")
	}
	return a.backend.Open(ctx, a.objectKey(key))
}

// Prefetch warms the cache with the given keys.
func (a *Adapter) Prefetch(ctx context.Context, keys []string) error {
	if a.backend == nil {
		return cerrors.New(cerrors.ErrCodeComponentStopped, "adapter not started").WithComponent("adapter")
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = a.objectKey(k)
	}
	return a.backend.PrefetchObjects(ctx, full)
}

// Stats returns cache statistics.
func (a *Adapter) Stats() types.CacheStats {
	if a.cache == nil {
		return types.CacheStats{}
	}
	return a.cache.Stats()
}

// Cache returns the cache manager, nil before Start.
func (a *Adapter) Cache() *cache.Manager {
	return a.cache
}

// Metrics returns the metrics collector, nil before Start.
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

func (a *Adapter) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

// parseStorageURI validates the storage URI format and splits it into bucket and prefix
func parseStorageURI(uri string) (string, string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return "", "", fmt.Errorf("S3 URI must include bucket name")
		}
	default:
		return "", "", fmt.Errorf("unsupported storage scheme: %s (only s3:// supported)", parsed.Scheme)
	}

	return parsed.Host, strings.Trim(parsed.Path, "/"), nil
}
