package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/objectfs/blobcache/pkg/errors"
	"github.com/objectfs/blobcache/pkg/utils"
)

// Cache is the blob cache fronting the bucket.
type Cache interface {
	Get(ctx context.Context, key string) (io.ReadCloser, bool)
	Put(key string, payload []byte, size int64)
}

// Observer receives the outcome of every upstream request.
type Observer interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
}

// BackendMetrics tracks backend performance
type BackendMetrics struct {
	Requests        int64     `json:"requests"`
	CacheHits       int64     `json:"cache_hits"`
	Errors          int64     `json:"errors"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	Uncached        int64     `json:"uncached"`
	LastError       string    `json:"last_error"`
	LastErrorTime   time.Time `json:"last_error_time"`
}

// Backend reads immutable objects from one bucket through the blob cache.
type Backend struct {
	api      GetObjectAPI
	bucket   string
	cache    Cache
	config   *Config
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	metrics BackendMetrics
}

// NewBackend creates a read-through backend. cache may be nil, in which case
// every read goes to the bucket.
func NewBackend(api GetObjectAPI, cache Cache, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, cerrors.New(cerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3-backend")
	}
	if api == nil {
		return nil, cerrors.New(cerrors.ErrCodeInvalidConfig, "S3 client is required").
			WithComponent("s3-backend")
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = NewDefaultConfig().PrefetchConcurrency
	}

	return &Backend{
		api:    api,
		bucket: cfg.Bucket,
		cache:  cache,
		config: cfg,
		logger: utils.ComponentLogger(logger, "s3-backend").With("bucket", cfg.Bucket),
	}, nil
}

// SetObserver installs an observer for upstream requests.
func (b *Backend) SetObserver(o Observer) {
	b.observer = o
}

// CacheKey returns the cache key for an object in this backend's bucket.
func (b *Backend) CacheKey(key string) string {
	return b.bucket + "/" + key
}

// Open returns a stream over the object, from the cache when possible.
// Objects fetched from the bucket are cached unless they exceed MaxObjectSize.
func (b *Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	b.metrics.Requests++
	b.mu.Unlock()

	if b.cache != nil {
		if rc, ok := b.cache.Get(ctx, b.CacheKey(key)); ok {
			b.mu.Lock()
			b.metrics.CacheHits++
			b.mu.Unlock()
			return rc, nil
		}
	}

	return b.fetch(ctx, key)
}

// GetObject returns the whole object.
func (b *Backend) GetObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "failed to read object").
			WithComponent("s3-backend").WithOperation("GetObject").WithDetail("key", key)
	}
	return data, nil
}

// PrefetchObjects loads keys into the cache concurrently. Keys already cached
// are skipped. The first error cancels the remaining fetches.
func (b *Backend) PrefetchObjects(ctx context.Context, keys []string) error {
	if b.cache == nil {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.PrefetchConcurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			if rc, ok := b.cache.Get(ctx, b.CacheKey(key)); ok {
				return rc.Close()
			}
			rc, err := b.fetch(ctx, key)
			if err != nil {
				return err
			}
			return rc.Close()
		})
	}

	return g.Wait()
}

// GetMetrics returns a snapshot of the backend metrics.
func (b *Backend) GetMetrics() BackendMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

func (b *Backend) fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	cancel := context.CancelFunc(func() {})
	if b.config.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.config.RequestTimeout)
	}
	streamed := false
	defer func() {
		if !streamed {
			cancel()
		}
	}()

	start := time.Now()
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		b.record(start, 0, err)
		return nil, b.translateError(err, "GetObject", key)
	}

	limit := b.config.MaxObjectSize
	if out.ContentLength != nil && limit > 0 && *out.ContentLength > limit {
		b.record(start, *out.ContentLength, nil)
		b.mu.Lock()
		b.metrics.Uncached++
		b.mu.Unlock()
		b.logger.Debug("object too large to cache", "key", key, "size", *out.ContentLength, "limit", limit)
		streamed = true
		return &cancelOnClose{ReadCloser: out.Body, cancel: cancel}, nil
	}

	defer out.Body.Close()
	var data []byte
	if limit > 0 {
		data, err = io.ReadAll(io.LimitReader(out.Body, limit+1))
	} else {
		data, err = io.ReadAll(out.Body)
	}
	if err != nil {
		b.record(start, int64(len(data)), err)
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "failed to read object body").
			WithComponent("s3-backend").WithOperation("GetObject").WithDetail("key", key)
	}
	if limit > 0 && int64(len(data)) > limit {
		// length was not advertised; skip caching but finish reading into memory
		rest, err := io.ReadAll(out.Body)
		data = append(data, rest...)
		b.record(start, int64(len(data)), err)
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "failed to read object body").
				WithComponent("s3-backend").WithOperation("GetObject").WithDetail("key", key)
		}
		b.mu.Lock()
		b.metrics.Uncached++
		b.mu.Unlock()
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	b.record(start, int64(len(data)), nil)
	if b.cache != nil && len(data) > 0 {
		b.cache.Put(b.CacheKey(key), data, int64(len(data)))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) record(start time.Time, size int64, err error) {
	duration := time.Since(start)

	b.mu.Lock()
	if err != nil {
		b.metrics.Errors++
		b.metrics.LastError = err.Error()
		b.metrics.LastErrorTime = time.Now()
	} else {
		b.metrics.BytesDownloaded += size
	}
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.RecordOperation("get_object", duration, size, err == nil)
	}
}

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return cerrors.Wrap(err, cerrors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: %s", key)).
			WithComponent("s3-backend").WithOperation(operation)
	case isErrorType[*s3types.NoSuchBucket](err):
		return cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, fmt.Sprintf("bucket not found: %s", b.bucket)).
			WithComponent("s3-backend").WithOperation(operation)
	default:
		return cerrors.Wrap(err, cerrors.ErrCodeConnectionFailed, fmt.Sprintf("%s failed for %s", operation, key)).
			WithComponent("s3-backend").WithOperation(operation)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// cancelOnClose releases the request context once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
