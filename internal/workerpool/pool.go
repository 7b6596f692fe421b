package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/objectfs/blobcache/pkg/errors"
	"github.com/objectfs/blobcache/pkg/types"
	"github.com/objectfs/blobcache/pkg/utils"
)

// Overflow decides what Submit does when the queue is full.
type Overflow int

const (
	// OverflowBlock makes Submit wait for queue space (or its context).
	OverflowBlock Overflow = iota
	// OverflowReject makes Submit fail immediately with ErrCodeQueueFull.
	OverflowReject
)

// String returns string representation of the overflow policy
func (o Overflow) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseOverflow parses "block" or "reject".
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "":
		return OverflowBlock, nil
	case "reject":
		return OverflowReject, nil
	default:
		return OverflowBlock, fmt.Errorf("invalid overflow policy: %s", s)
	}
}

// Task is a unit of work. It owns everything it captures.
type Task func()

// Config contains configuration for a worker pool
type Config struct {
	Name      string   `yaml:"name"`
	Workers   int      `yaml:"workers"`
	QueueSize int      `yaml:"queue_size"`
	Overflow  Overflow `yaml:"-"`
}

// Pool runs tasks on a fixed set of long-lived workers fed by a bounded FIFO queue.
type Pool struct {
	name     string
	workers  int
	overflow Overflow
	queue    chan Task
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
	wg      sync.WaitGroup

	// pending counts tasks that were accepted and have not finished yet.
	pending   atomic.Int64
	running   atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// New creates a pool and starts its workers.
func New(config Config, logger *slog.Logger) (*Pool, error) {
	if config.Workers <= 0 {
		return nil, cerrors.Newf(cerrors.ErrCodeInvalidConfig,
			"pool %q: workers must be greater than 0", config.Name)
	}
	if config.QueueSize < 0 {
		return nil, cerrors.Newf(cerrors.ErrCodeInvalidConfig,
			"pool %q: queue_size must not be negative", config.Name)
	}
	if config.Name == "" {
		config.Name = "pool"
	}

	p := &Pool{
		name:     config.Name,
		workers:  config.Workers,
		overflow: config.Overflow,
		queue:    make(chan Task, config.QueueSize),
		logger:   utils.ComponentLogger(logger, "workerpool").With("pool", config.Name),
		stopped:  make(chan struct{}),
	}

	p.wg.Add(p.workers)
	for i := 1; i <= p.workers; i++ {
		go p.worker(fmt.Sprintf("%s-%d", p.name, i))
	}

	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Submit queues a task. It never runs the task on the calling goroutine.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return cerrors.Newf(cerrors.ErrCodeComponentStopped, "pool %s is closed", p.name)
	}

	p.pending.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
	}

	if p.overflow == OverflowReject {
		p.pending.Add(-1)
		p.rejected.Add(1)
		return cerrors.Newf(cerrors.ErrCodeQueueFull, "pool %s queue is full", p.name)
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Drain waits until every accepted task has finished.
func (p *Pool) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting tasks, lets the workers finish the queue and waits for them.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
		go func() {
			p.wg.Wait()
			close(p.stopped)
		}()
	}
	p.mu.Unlock()

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() types.PoolStats {
	return types.PoolStats{
		Name:      p.name,
		Workers:   p.workers,
		QueueSize: cap(p.queue),
		Queued:    len(p.queue),
		Running:   p.running.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) worker(name string) {
	defer p.wg.Done()

	for task := range p.queue {
		p.run(name, task)
	}
}

func (p *Pool) run(name string, task Task) {
	p.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("task panicked", "worker", name, "panic", r)
		}
		p.running.Add(-1)
		p.completed.Add(1)
		p.pending.Add(-1)
	}()

	task()
}
