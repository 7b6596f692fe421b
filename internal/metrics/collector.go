package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/blobcache/internal/cache"
	"github.com/objectfs/blobcache/internal/circuit"
	"github.com/objectfs/blobcache/internal/conn"
	"github.com/objectfs/blobcache/pkg/types"
	"github.com/objectfs/blobcache/pkg/utils"
)

// Collector exports cache, worker pool and connection metrics to Prometheus.
// It implements cache.Metrics and conn.ReapObserver.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	requests          *prometheus.CounterVec
	remoteLookups     *prometheus.CounterVec
	evictions         prometheus.Counter
	evictedBytes      prometheus.Counter
	writeFailures     prometheus.Counter
	droppedWrites     prometheus.Counter
	entries           prometheus.Gauge
	sizeBytes         prometheus.Gauge
	reapedConnections prometheus.Counter
	breakerState      *prometheus.GaugeVec
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec

	mu     sync.Mutex
	stats  func() types.CacheStats
	server *http.Server
}

var (
	_ cache.Metrics     = (*Collector)(nil)
	_ conn.ReapObserver = (*Collector)(nil)
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "blobcache",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. A disabled collector accepts
// every call and records nothing.
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config: config,
		logger: utils.ComponentLogger(logger, "metrics"),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry returns the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves metrics on the configured port until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/stats", c.statsHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server failed", "addr", server.Addr, "error", err)
		}
	}()
	c.logger.Info("metrics server started", "addr", server.Addr, "path", c.config.Path)

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Hit records a cache hit served from tier.
func (c *Collector) Hit(tier cache.Tier) {
	if !c.config.Enabled {
		return
	}
	c.requests.WithLabelValues("hit", tier.String()).Inc()
}

// Miss records a cache miss.
func (c *Collector) Miss() {
	if !c.config.Enabled {
		return
	}
	c.requests.WithLabelValues("miss", "none").Inc()
}

// Evict records the eviction of an entry of the given size.
func (c *Collector) Evict(bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.evictions.Inc()
	c.evictedBytes.Add(float64(bytes))
}

// WriteFailed records a failed cache write.
func (c *Collector) WriteFailed() {
	if !c.config.Enabled {
		return
	}
	c.writeFailures.Inc()
}

// Dropped records a write the write pool refused.
func (c *Collector) Dropped() {
	if !c.config.Enabled {
		return
	}
	c.droppedWrites.Inc()
}

// RemoteLookup records the outcome of an index lookup.
func (c *Collector) RemoteLookup(hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.remoteLookups.WithLabelValues(result).Inc()
}

// Size records the current entry count and byte total.
func (c *Collector) Size(entries int, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.entries.Set(float64(entries))
	c.sizeBytes.Set(float64(bytes))
}

// ConnectionsReaped records connections closed by the idle reaper.
func (c *Collector) ConnectionsReaped(n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.reapedConnections.Add(float64(n))
}

// BreakerStateChanged records a circuit breaker transition. The signature
// matches circuit.Config.OnStateChange.
func (c *Collector) BreakerStateChanged(name string, _, to circuit.State) {
	if !c.config.Enabled {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(to))
}

// RecordOperation records an upstream operation with its duration and size.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RegisterPools exports the statistics of worker pools reported by fn.
func (c *Collector) RegisterPools(fn func() []types.PoolStats) error {
	if !c.config.Enabled {
		return nil
	}
	return c.registry.Register(newPoolCollector(c.config, fn))
}

// RegisterConnections exports connection pool statistics reported by fn.
func (c *Collector) RegisterConnections(fn func() types.ConnectionStats) error {
	if !c.config.Enabled {
		return nil
	}
	return c.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "open_connections",
			Help:        "Number of open connections to the index service",
			ConstLabels: c.config.Labels,
		},
		func() float64 { return float64(fn().Open) },
	))
}

// SetStatsSource sets the function behind the /debug/stats endpoint.
func (c *Collector) SetStatsSource(fn func() types.CacheStats) {
	c.mu.Lock()
	c.stats = fn
	c.mu.Unlock()
}

func (c *Collector) initMetrics() {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		})
	}

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_requests_total",
			Help:        "Total number of cache requests",
			ConstLabels: c.config.Labels,
		},
		[]string{"type", "tier"},
	)
	c.remoteLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "index_lookups_total",
			Help:        "Total number of shared index lookups",
			ConstLabels: c.config.Labels,
		},
		[]string{"result"},
	)
	c.evictions = counter("cache_evictions_total", "Total number of evicted entries")
	c.evictedBytes = counter("cache_evicted_bytes_total", "Total bytes evicted")
	c.writeFailures = counter("cache_write_failures_total", "Total number of failed cache writes")
	c.droppedWrites = counter("cache_dropped_writes_total", "Total number of writes rejected by the write pool")
	c.entries = gauge("cache_entries", "Current number of cache entries")
	c.sizeBytes = gauge("cache_size_bytes", "Current cache size in bytes")
	c.reapedConnections = counter("reaped_connections_total", "Total number of idle connections closed by the reaper")

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			ConstLabels: c.config.Labels,
		},
		[]string{"name"},
	)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operations_total",
			Help:        "Total number of upstream operations",
			ConstLabels: c.config.Labels,
		},
		[]string{"operation", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of upstream operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)
	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_size_bytes",
			Help:        "Size of upstream operations in bytes",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 20), // 1KB to ~1GB
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requests,
		c.remoteLookups,
		c.evictions,
		c.evictedBytes,
		c.writeFailures,
		c.droppedWrites,
		c.entries,
		c.sizeBytes,
		c.reapedConnections,
		c.breakerState,
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"blobcache-metrics"}`))
}

func (c *Collector) statsHandler(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	fn := c.stats
	c.mu.Unlock()

	if fn == nil {
		http.Error(w, "no stats source", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(fn()); err != nil {
		c.logger.Warn("failed to encode stats", "error", err)
	}
}
