package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/blobcache/internal/cache"
	"github.com/objectfs/blobcache/internal/circuit"
	"github.com/objectfs/blobcache/internal/conn"
	"github.com/objectfs/blobcache/internal/index"
	"github.com/objectfs/blobcache/internal/storage/s3"
	"github.com/objectfs/blobcache/internal/workerpool"
	cerrors "github.com/objectfs/blobcache/pkg/errors"
	"github.com/objectfs/blobcache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache"`
	Workers WorkersConfig `yaml:"workers"`
	Index   IndexConfig   `yaml:"index"`
	Reaper  ReaperConfig  `yaml:"reaper"`
	Storage StorageConfig `yaml:"storage"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Capacity             string `yaml:"capacity"`
	Path                 string `yaml:"path"`
	SmallObjectThreshold string `yaml:"small_object_threshold"`
	Digest               string `yaml:"digest"`
}

// WorkersConfig represents the write and delete pool settings
type WorkersConfig struct {
	Write  PoolConfig `yaml:"write"`
	Delete PoolConfig `yaml:"delete"`
}

// PoolConfig represents a single worker pool
type PoolConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	Overflow  string `yaml:"overflow"`
}

// IndexConfig represents the shared index client and its connection pool
type IndexConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Address                 string        `yaml:"address"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	MaxConnsTotal           int           `yaml:"max_conns_total"`
	MaxConnsPerHost         int           `yaml:"max_conns_per_host"`
	KeepAlive               time.Duration `yaml:"keep_alive"`
	NoDelay                 bool          `yaml:"no_delay"`
	SendBuffer              string        `yaml:"send_buffer"`
	ReceiveBuffer           string        `yaml:"receive_buffer"`
	ValidateAfterInactivity time.Duration `yaml:"validate_after_inactivity"`
	UserAgent               string        `yaml:"user_agent"`
	Breaker                 BreakerConfig `yaml:"breaker"`
}

// BreakerConfig represents the circuit breaker guarding index requests
type BreakerConfig struct {
	Enabled        bool `yaml:"enabled"`
	circuit.Config `yaml:",inline"`
}

// ReaperConfig represents idle connection reaper settings
type ReaperConfig struct {
	Period        time.Duration `yaml:"period"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

// StorageConfig represents object store settings
type StorageConfig struct {
	S3 s3.Config `yaml:"s3"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	writePool := cache.DefaultWritePool()
	deletePool := cache.DefaultDeletePool()
	connDefaults := conn.DefaultConfig()

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			LogFile:     "",
			MetricsPort: 8080,
		},
		Cache: CacheConfig{
			Enabled:              true,
			Capacity:             "10GB",
			Path:                 "/var/cache/blobcache",
			SmallObjectThreshold: "1MB",
			Digest:               utils.DigestMD5,
		},
		Workers: WorkersConfig{
			Write: PoolConfig{
				Workers:   writePool.Workers,
				QueueSize: writePool.QueueSize,
				Overflow:  writePool.Overflow.String(),
			},
			Delete: PoolConfig{
				Workers:   deletePool.Workers,
				QueueSize: deletePool.QueueSize,
				Overflow:  deletePool.Overflow.String(),
			},
		},
		Index: IndexConfig{
			Enabled:                 false,
			Address:                 index.DefaultAddress,
			ConnectTimeout:          connDefaults.ConnectTimeout,
			ReadTimeout:             connDefaults.ReadTimeout,
			MaxConnsTotal:           connDefaults.MaxConnsTotal,
			MaxConnsPerHost:         connDefaults.MaxConnsPerHost,
			KeepAlive:               connDefaults.KeepAlive,
			NoDelay:                 connDefaults.NoDelay,
			SendBuffer:              "512KB",
			ReceiveBuffer:           "512KB",
			ValidateAfterInactivity: connDefaults.ValidateAfterInactivity,
			UserAgent:               connDefaults.UserAgent,
			Breaker: BreakerConfig{
				Enabled: true,
				Config:  circuit.DefaultConfig(),
			},
		},
		Reaper: ReaperConfig{
			Period:        conn.DefaultReapPeriod,
			IdleThreshold: conn.DefaultIdleThreshold,
		},
		Storage: StorageConfig{
			S3: *s3.NewDefaultConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("BLOBCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("BLOBCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("BLOBCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("BLOBCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Cache settings
	if val := os.Getenv("BLOBCACHE_CACHE_ENABLED"); val != "" {
		c.Cache.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BLOBCACHE_CACHE_CAPACITY"); val != "" {
		c.Cache.Capacity = val
	}
	if val := os.Getenv("BLOBCACHE_CACHE_PATH"); val != "" {
		c.Cache.Path = val
	}
	if val := os.Getenv("BLOBCACHE_SMALL_OBJECT_THRESHOLD"); val != "" {
		c.Cache.SmallObjectThreshold = val
	}
	if val := os.Getenv("BLOBCACHE_DIGEST"); val != "" {
		c.Cache.Digest = val
	}

	// Worker pools
	if val := os.Getenv("BLOBCACHE_WRITE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Workers.Write.Workers = workers
		}
	}
	if val := os.Getenv("BLOBCACHE_DELETE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Workers.Delete.Workers = workers
		}
	}

	// Index settings
	if val := os.Getenv("BLOBCACHE_INDEX_ENABLED"); val != "" {
		c.Index.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BLOBCACHE_INDEX_ADDRESS"); val != "" {
		c.Index.Address = val
	}
	if val := os.Getenv("BLOBCACHE_INDEX_BREAKER_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Index.Breaker.Enabled = enabled
		}
	}

	// Reaper settings
	if val := os.Getenv("BLOBCACHE_REAPER_PERIOD"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Reaper.Period = duration
		}
	}
	if val := os.Getenv("BLOBCACHE_REAPER_IDLE_THRESHOLD"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Reaper.IdleThreshold = duration
		}
	}

	// S3 settings
	if val := os.Getenv("BLOBCACHE_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("BLOBCACHE_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("BLOBCACHE_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return cerrors.Newf(cerrors.ErrCodeConfigValidation, format, args...).WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	if c.Cache.Enabled {
		capacity, err := utils.ParseBytes(c.Cache.Capacity)
		if err != nil || capacity <= 0 {
			return invalid("cache capacity must be a positive size, got %q", c.Cache.Capacity)
		}
		if c.Cache.Path == "" {
			return invalid("cache path is required")
		}
		if _, err := c.smallObjectThreshold(); err != nil {
			return invalid("invalid small_object_threshold: %q", c.Cache.SmallObjectThreshold)
		}
		if _, err := utils.NewContentAddresser(c.Cache.Digest); err != nil {
			return invalid("invalid digest: %s", c.Cache.Digest)
		}
	}

	pools := map[string]PoolConfig{"write": c.Workers.Write, "delete": c.Workers.Delete}
	for name, p := range pools {
		if p.Workers <= 0 {
			return invalid("workers.%s.workers must be greater than 0", name)
		}
		if p.QueueSize < 0 {
			return invalid("workers.%s.queue_size cannot be negative", name)
		}
		if _, err := workerpool.ParseOverflow(p.Overflow); err != nil {
			return invalid("workers.%s.overflow must be block or reject, got %q", name, p.Overflow)
		}
	}

	if c.Index.Enabled {
		if c.Index.Address == "" {
			return invalid("index address is required when the index is enabled")
		}
		if c.Index.MaxConnsTotal <= 0 || c.Index.MaxConnsPerHost <= 0 {
			return invalid("index connection limits must be greater than 0")
		}
		if _, err := utils.ParseBytes(c.Index.SendBuffer); err != nil {
			return invalid("invalid index send_buffer: %q", c.Index.SendBuffer)
		}
		if _, err := utils.ParseBytes(c.Index.ReceiveBuffer); err != nil {
			return invalid("invalid index receive_buffer: %q", c.Index.ReceiveBuffer)
		}
		if c.Index.Breaker.Enabled && c.Index.Breaker.Timeout < 0 {
			return invalid("index breaker timeout cannot be negative")
		}
	}

	if c.Reaper.Period <= 0 || c.Reaper.IdleThreshold <= 0 {
		return invalid("reaper period and idle_threshold must be positive")
	}
	if c.Index.Enabled && c.Reaper.IdleThreshold <= c.Index.ConnectTimeout+c.Index.ReadTimeout {
		return invalid("reaper idle_threshold (%s) must exceed index connect_timeout + read_timeout (%s)",
			c.Reaper.IdleThreshold, c.Index.ConnectTimeout+c.Index.ReadTimeout)
	}

	return nil
}

// Capacity returns the parsed cache capacity in bytes.
func (c *Configuration) Capacity() (int64, error) {
	return utils.ParseBytes(c.Cache.Capacity)
}

// EngineOptions converts the cache and worker settings into engine options.
// Capacity and Path are left for cache.Manager.Initialize.
func (c *Configuration) EngineOptions() (cache.Options, error) {
	threshold, err := c.smallObjectThreshold()
	if err != nil {
		return cache.Options{}, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid small_object_threshold")
	}
	writePool, deletePool, err := c.PoolConfigs()
	if err != nil {
		return cache.Options{}, err
	}

	opts := cache.DefaultOptions()
	opts.SmallObjectThreshold = threshold
	opts.Digest = c.Cache.Digest
	opts.WritePool = writePool
	opts.DeletePool = deletePool
	return opts, nil
}

// PoolConfigs returns the write and delete pool configurations.
func (c *Configuration) PoolConfigs() (workerpool.Config, workerpool.Config, error) {
	build := func(name string, p PoolConfig) (workerpool.Config, error) {
		overflow, err := workerpool.ParseOverflow(p.Overflow)
		if err != nil {
			return workerpool.Config{}, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid overflow policy")
		}
		return workerpool.Config{Name: name, Workers: p.Workers, QueueSize: p.QueueSize, Overflow: overflow}, nil
	}

	writePool, err := build("write-pool", c.Workers.Write)
	if err != nil {
		return workerpool.Config{}, workerpool.Config{}, err
	}
	deletePool, err := build("delete-pool", c.Workers.Delete)
	if err != nil {
		return workerpool.Config{}, workerpool.Config{}, err
	}
	return writePool, deletePool, nil
}

// ConnConfig converts the index settings into a connection manager configuration.
func (c *Configuration) ConnConfig() (conn.Config, error) {
	sendBuffer, err := utils.ParseBytes(c.Index.SendBuffer)
	if err != nil {
		return conn.Config{}, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid send_buffer")
	}
	receiveBuffer, err := utils.ParseBytes(c.Index.ReceiveBuffer)
	if err != nil {
		return conn.Config{}, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid receive_buffer")
	}

	return conn.Config{
		MaxConnsTotal:           c.Index.MaxConnsTotal,
		MaxConnsPerHost:         c.Index.MaxConnsPerHost,
		ConnectTimeout:          c.Index.ConnectTimeout,
		ReadTimeout:             c.Index.ReadTimeout,
		KeepAlive:               c.Index.KeepAlive,
		NoDelay:                 c.Index.NoDelay,
		SendBuffer:              int(sendBuffer),
		ReceiveBuffer:           int(receiveBuffer),
		ValidateAfterInactivity: c.Index.ValidateAfterInactivity,
		UserAgent:               c.Index.UserAgent,
	}, nil
}

func (c *Configuration) smallObjectThreshold() (int64, error) {
	if c.Cache.SmallObjectThreshold == "" || c.Cache.SmallObjectThreshold == "0" {
		return 0, nil
	}
	return utils.ParseBytes(c.Cache.SmallObjectThreshold)
}
