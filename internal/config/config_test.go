package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/objectfs/blobcache/internal/workerpool"
	cerrors "github.com/objectfs/blobcache/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestCapacity   = "8GB"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	// Test global defaults
	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 8080 {
		t.Errorf("Expected MetricsPort to be 8080, got %d", cfg.Global.MetricsPort)
	}

	// Test cache defaults
	if cfg.Cache.Capacity != "10GB" {
		t.Errorf("Expected Capacity to be 10GB, got %s", cfg.Cache.Capacity)
	}
	if cfg.Cache.SmallObjectThreshold != "1MB" {
		t.Errorf("Expected SmallObjectThreshold to be 1MB, got %s", cfg.Cache.SmallObjectThreshold)
	}
	if cfg.Cache.Digest != "md5" {
		t.Errorf("Expected Digest to be md5, got %s", cfg.Cache.Digest)
	}

	// Test worker pool defaults
	if cfg.Workers.Write.Workers != 50 || cfg.Workers.Write.QueueSize != 1024 || cfg.Workers.Write.Overflow != "reject" {
		t.Errorf("Unexpected write pool defaults: %+v", cfg.Workers.Write)
	}
	if cfg.Workers.Delete.Workers != 2 || cfg.Workers.Delete.QueueSize != 4096 || cfg.Workers.Delete.Overflow != "block" {
		t.Errorf("Unexpected delete pool defaults: %+v", cfg.Workers.Delete)
	}

	// Test index and reaper defaults
	if cfg.Index.Enabled {
		t.Error("Expected index to be disabled by default")
	}
	if cfg.Index.Address != "127.0.0.1:9999" {
		t.Errorf("Expected index address 127.0.0.1:9999, got %s", cfg.Index.Address)
	}
	if cfg.Index.MaxConnsTotal != 100 || cfg.Index.MaxConnsPerHost != 100 {
		t.Errorf("Unexpected connection limits: %d/%d", cfg.Index.MaxConnsTotal, cfg.Index.MaxConnsPerHost)
	}
	if cfg.Reaper.Period != 60*time.Second || cfg.Reaper.IdleThreshold != 30*time.Second {
		t.Errorf("Unexpected reaper defaults: %+v", cfg.Reaper)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				return NewDefault()
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "zero capacity",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Capacity = "0"
				return cfg
			},
			wantErr: true,
			errMsg:  "cache capacity must be a positive size",
		},
		{
			name: "zero capacity with cache disabled",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Enabled = false
				cfg.Cache.Capacity = "0"
				return cfg
			},
			wantErr: false,
		},
		{
			name: "missing path",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Path = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "cache path is required",
		},
		{
			name: "unknown digest",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Digest = "crc32"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid digest",
		},
		{
			name: "no write workers",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Workers.Write.Workers = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "workers.write.workers must be greater than 0",
		},
		{
			name: "bad overflow policy",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Workers.Delete.Overflow = "drop"
				return cfg
			},
			wantErr: true,
			errMsg:  "workers.delete.overflow must be block or reject",
		},
		{
			name: "index without address",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Index.Enabled = true
				cfg.Index.Address = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "index address is required",
		},
		{
			name: "idle threshold shorter than a request",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Index.Enabled = true
				cfg.Reaper.IdleThreshold = 15 * time.Second
				return cfg
			},
			wantErr: true,
			errMsg:  "must exceed index connect_timeout + read_timeout",
		},
		{
			name: "idle threshold ignored without index",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Reaper.IdleThreshold = 15 * time.Second
				return cfg
			},
			wantErr: false,
		},
		{
			name: "zero reaper period",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Reaper.Period = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "reaper period",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				if !cerrors.Is(err, cerrors.ErrCodeConfigValidation) {
					t.Errorf("Validate() error code = %s, want %s", cerrors.CodeOf(err), cerrors.ErrCodeConfigValidation)
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
				}
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9090

cache:
  capacity: 4GB
  path: /data/cache
  small_object_threshold: 256KB

workers:
  write:
    workers: 16
    queue_size: 64
    overflow: block

index:
  enabled: true
  address: 127.0.0.1:7777
  connect_timeout: 1s
  read_timeout: 2s
  breaker:
    enabled: true
    failure_threshold: 10
    timeout: 1m

reaper:
  period: 10s
  idle_threshold: 5s

storage:
  s3:
    bucket: datasets
    region: eu-west-1
`

	err := os.WriteFile(configFile, []byte(configContent), 0600)
	if err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	err = cfg.LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	// Verify loaded values
	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Cache.Capacity != "4GB" || cfg.Cache.Path != "/data/cache" {
		t.Errorf("Unexpected cache settings: %+v", cfg.Cache)
	}
	if cfg.Workers.Write.Workers != 16 || cfg.Workers.Write.Overflow != "block" {
		t.Errorf("Unexpected write pool settings: %+v", cfg.Workers.Write)
	}
	if cfg.Workers.Delete.Workers != 2 {
		t.Errorf("Expected untouched delete pool to keep defaults, got %+v", cfg.Workers.Delete)
	}
	if !cfg.Index.Enabled || cfg.Index.Address != "127.0.0.1:7777" || cfg.Index.ReadTimeout != 2*time.Second {
		t.Errorf("Unexpected index settings: %+v", cfg.Index)
	}
	if cfg.Index.Breaker.FailureThreshold != 10 || cfg.Index.Breaker.Timeout != time.Minute {
		t.Errorf("Unexpected breaker settings: %+v", cfg.Index.Breaker)
	}
	if cfg.Index.Breaker.MaxRequests != 1 {
		t.Errorf("Expected untouched breaker max_requests to keep default, got %d", cfg.Index.Breaker.MaxRequests)
	}
	if cfg.Reaper.Period != 10*time.Second || cfg.Reaper.IdleThreshold != 5*time.Second {
		t.Errorf("Unexpected reaper settings: %+v", cfg.Reaper)
	}
	if cfg.Storage.S3.Bucket != "datasets" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("Unexpected S3 settings: %+v", cfg.Storage.S3)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded configuration should be valid: %v", err)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Expected error when loading non-existent config file")
	}
	if !cerrors.Is(err, cerrors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	// Set up environment variables
	testEnvVars := map[string]string{
		"BLOBCACHE_LOG_LEVEL":              "ERROR",
		"BLOBCACHE_METRICS_PORT":           "9090",
		"BLOBCACHE_CACHE_CAPACITY":         TestCapacity,
		"BLOBCACHE_CACHE_PATH":             "/mnt/cache",
		"BLOBCACHE_SMALL_OBJECT_THRESHOLD": "0",
		"BLOBCACHE_WRITE_WORKERS":          "8",
		"BLOBCACHE_INDEX_ENABLED":          "true",
		"BLOBCACHE_INDEX_ADDRESS":          "10.0.0.5:9999",
		"BLOBCACHE_INDEX_BREAKER_ENABLED":  "false",
		"BLOBCACHE_REAPER_PERIOD":          "2m",
		"BLOBCACHE_S3_BUCKET":              "models",
	}

	// Set environment variables
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	// Verify loaded values
	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Cache.Capacity != TestCapacity {
		t.Errorf("Expected Capacity to be 8GB, got %s", cfg.Cache.Capacity)
	}
	if cfg.Cache.Path != "/mnt/cache" {
		t.Errorf("Expected Path to be /mnt/cache, got %s", cfg.Cache.Path)
	}
	if cfg.Workers.Write.Workers != 8 {
		t.Errorf("Expected 8 write workers, got %d", cfg.Workers.Write.Workers)
	}
	if !cfg.Index.Enabled || cfg.Index.Address != "10.0.0.5:9999" {
		t.Errorf("Unexpected index settings: %+v", cfg.Index)
	}
	if cfg.Index.Breaker.Enabled {
		t.Error("Expected index breaker to be disabled")
	}
	if cfg.Reaper.Period != 2*time.Minute {
		t.Errorf("Expected reaper period 2m, got %v", cfg.Reaper.Period)
	}
	if cfg.Storage.S3.Bucket != "models" {
		t.Errorf("Expected bucket models, got %s", cfg.Storage.S3.Bucket)
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions() error = %v", err)
	}
	if opts.SmallObjectThreshold != 0 {
		t.Errorf("Expected memory tier to be disabled, got threshold %d", opts.SmallObjectThreshold)
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := NewDefault()
	cfg.Workers.Delete.Overflow = "reject"

	opts, err := cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions() error = %v", err)
	}
	if opts.SmallObjectThreshold != 1<<20 {
		t.Errorf("Expected threshold 1MiB, got %d", opts.SmallObjectThreshold)
	}
	if opts.WritePool.Name != "write-pool" || opts.WritePool.Workers != 50 || opts.WritePool.Overflow != workerpool.OverflowReject {
		t.Errorf("Unexpected write pool: %+v", opts.WritePool)
	}
	if opts.DeletePool.Name != "delete-pool" || opts.DeletePool.Overflow != workerpool.OverflowReject {
		t.Errorf("Unexpected delete pool: %+v", opts.DeletePool)
	}

	capacity, err := cfg.Capacity()
	if err != nil || capacity != 10<<30 {
		t.Errorf("Capacity() = %d, %v; want 10GiB", capacity, err)
	}
}

func TestConnConfig(t *testing.T) {
	cfg := NewDefault()
	cfg.Index.SendBuffer = "1MB"

	connCfg, err := cfg.ConnConfig()
	if err != nil {
		t.Fatalf("ConnConfig() error = %v", err)
	}
	if connCfg.SendBuffer != 1<<20 {
		t.Errorf("Expected send buffer 1MiB, got %d", connCfg.SendBuffer)
	}
	if connCfg.ReceiveBuffer != 512<<10 {
		t.Errorf("Expected receive buffer 512KiB, got %d", connCfg.ReceiveBuffer)
	}
	if connCfg.UserAgent != "nv-cache" {
		t.Errorf("Expected user agent nv-cache, got %s", connCfg.UserAgent)
	}

	cfg.Index.ReceiveBuffer = "lots"
	if _, err := cfg.ConnConfig(); err == nil {
		t.Error("Expected error for invalid receive buffer")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = TestDebugLevel
	cfg.Cache.Capacity = TestCapacity
	cfg.Reaper.IdleThreshold = 45 * time.Second

	err := cfg.SaveToFile(configFile)
	if err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Load the saved config and verify
	newCfg := NewDefault()
	err = newCfg.LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Cache.Capacity != TestCapacity {
		t.Errorf("Expected Capacity to be 8GB, got %s", newCfg.Cache.Capacity)
	}
	if newCfg.Reaper.IdleThreshold != 45*time.Second {
		t.Errorf("Expected idle threshold 45s, got %v", newCfg.Reaper.IdleThreshold)
	}
}
