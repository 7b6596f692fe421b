package s3

import (
	"time"
)

// Config represents S3 read-through configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries          int           `yaml:"max_retries"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	PrefetchConcurrency int           `yaml:"prefetch_concurrency"`

	// Objects larger than this are streamed without being cached
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:              "us-east-1",
		MaxRetries:          3,
		RequestTimeout:      30 * time.Second,
		PrefetchConcurrency: 8,
		MaxObjectSize:       1 << 30, // 1GB
	}
}
