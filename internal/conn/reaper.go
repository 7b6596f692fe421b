package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/objectfs/blobcache/pkg/utils"
)

const (
	// DefaultReapPeriod is how often registered pools are scanned.
	DefaultReapPeriod = 60 * time.Second
	// DefaultIdleThreshold is how long a connection may stay silent before it is closed.
	DefaultIdleThreshold = 30 * time.Second
)

// IdleCloser is implemented by connection pools the reaper can scan.
type IdleCloser interface {
	CloseIdle(threshold time.Duration) int
}

// ReapObserver receives the number of connections closed by each scan.
type ReapObserver interface {
	ConnectionsReaped(n int)
}

// Reaper periodically closes idle connections in every registered pool.
type Reaper struct {
	period    time.Duration
	threshold time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	pools    []IdleCloser
	observer ReapObserver
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReaper creates a reaper. Non-positive durations fall back to the defaults.
func NewReaper(period, threshold time.Duration, logger *slog.Logger) *Reaper {
	if period <= 0 {
		period = DefaultReapPeriod
	}
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	return &Reaper{
		period:    period,
		threshold: threshold,
		logger:    utils.ComponentLogger(logger, "idle-reaper"),
	}
}

// Register adds a pool to the scan set.
func (r *Reaper) Register(pool IdleCloser) {
	if pool == nil {
		return
	}
	r.mu.Lock()
	r.pools = append(r.pools, pool)
	r.mu.Unlock()
}

// SetObserver installs a callback for scan results.
func (r *Reaper) SetObserver(observer ReapObserver) {
	r.mu.Lock()
	r.observer = observer
	r.mu.Unlock()
}

// ReapOnce scans every registered pool a single time and returns the number of closed connections.
func (r *Reaper) ReapOnce() int {
	r.mu.Lock()
	pools := append([]IdleCloser(nil), r.pools...)
	observer := r.observer
	r.mu.Unlock()

	closed := 0
	for _, pool := range pools {
		closed += r.scan(pool)
	}
	if observer != nil {
		observer.ConnectionsReaped(closed)
	}
	return closed
}

func (r *Reaper) scan(pool IdleCloser) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("idle scan panicked", "panic", rec)
			n = 0
		}
	}()
	return pool.CloseIdle(r.threshold)
}

// Run blocks, scanning once per period until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.logger.Info("idle reaper started", "period", r.period, "threshold", r.threshold)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("idle reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if closed := r.ReapOnce(); closed > 0 {
				r.logger.Debug("reaped idle connections", "closed", closed)
			}
		}
	}
}

// Start runs the reaper in a background goroutine. Calling Start twice is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		_ = r.Run(runCtx)
	}()
}

// Stop cancels a started reaper and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
