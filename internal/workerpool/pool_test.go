package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/objectfs/blobcache/pkg/errors"
	"github.com/objectfs/blobcache/pkg/utils"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg, utils.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero workers", cfg: Config{Name: "w", Workers: 0, QueueSize: 1}},
		{name: "negative queue", cfg: Config{Name: "w", Workers: 1, QueueSize: -1}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			require.Error(t, err)
			assert.True(t, cerrors.Is(err, cerrors.ErrCodeInvalidConfig))
		})
	}
}

func TestParseOverflow(t *testing.T) {
	o, err := ParseOverflow("reject")
	require.NoError(t, err)
	assert.Equal(t, OverflowReject, o)

	o, err = ParseOverflow("")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, o)
	assert.Equal(t, "block", o.String())

	_, err = ParseOverflow("drop")
	assert.Error(t, err)
}

func TestPool_RunsAllTasks(t *testing.T) {
	p := newTestPool(t, Config{Name: "write-pool", Workers: 4, QueueSize: 16})

	var ran atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if err := p.Submit(ctx, func() { ran.Add(1) }); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(drainCtx))

	assert.Equal(t, int64(400), ran.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(400), stats.Submitted)
	assert.Equal(t, uint64(400), stats.Completed)
	assert.Equal(t, "write-pool", stats.Name)
}

func TestPool_FIFOWithSingleWorker(t *testing.T) {
	p := newTestPool(t, Config{Name: "delete-pool", Workers: 1, QueueSize: 32})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, p.Submit(context.Background(), func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, p.Drain(context.Background()))

	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Len(t, order, 20)
}

func TestPool_RejectWhenFull(t *testing.T) {
	p := newTestPool(t, Config{Name: "write-pool", Workers: 1, QueueSize: 1, Overflow: OverflowReject})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	// One slot in the queue, then the queue is full.
	require.NoError(t, p.Submit(context.Background(), func() {}))
	err := p.Submit(context.Background(), func() {})
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.ErrCodeQueueFull))
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Drain(context.Background()))
}

func TestPool_BlockHonorsContext(t *testing.T) {
	p := newTestPool(t, Config{Name: "delete-pool", Workers: 1, QueueSize: 0, Overflow: OverflowBlock})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Drain(context.Background()))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := newTestPool(t, Config{Name: "write-pool", Workers: 1, QueueSize: 4})

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { ran.Store(true) }))
	require.NoError(t, p.Drain(context.Background()))

	assert.True(t, ran.Load(), "worker must survive a panicking task")
	assert.Equal(t, uint64(1), p.Stats().Panics)
}

func TestPool_CloseFinishesQueueAndRejectsNewWork(t *testing.T) {
	p, err := New(Config{Name: "write-pool", Workers: 2, QueueSize: 64}, nil)
	require.NoError(t, err)

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			time.Sleep(100 * time.Microsecond)
			ran.Add(1)
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int64(50), ran.Load())

	err = p.Submit(context.Background(), func() {})
	assert.True(t, cerrors.Is(err, cerrors.ErrCodeComponentStopped))

	// Closing twice is harmless.
	require.NoError(t, p.Close(ctx))
}
