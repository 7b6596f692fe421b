package conn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/blobcache/pkg/utils"
)

type fakePool struct {
	calls     atomic.Int32
	closes    int
	threshold atomic.Int64
}

func (p *fakePool) CloseIdle(threshold time.Duration) int {
	p.calls.Add(1)
	p.threshold.Store(int64(threshold))
	return p.closes
}

type panicPool struct{}

func (panicPool) CloseIdle(time.Duration) int { panic("boom") }

type countingObserver struct {
	total atomic.Int64
}

func (o *countingObserver) ConnectionsReaped(n int) { o.total.Add(int64(n)) }

func TestNewReaper_Defaults(t *testing.T) {
	r := NewReaper(0, -1, utils.DiscardLogger())
	assert.Equal(t, DefaultReapPeriod, r.period)
	assert.Equal(t, DefaultIdleThreshold, r.threshold)
}

func TestReaper_ReapOnce(t *testing.T) {
	r := NewReaper(time.Hour, 5*time.Second, utils.DiscardLogger())
	obs := &countingObserver{}
	r.SetObserver(obs)

	a := &fakePool{closes: 2}
	b := &fakePool{closes: 3}
	r.Register(a)
	r.Register(b)
	r.Register(nil)

	assert.Equal(t, 5, r.ReapOnce())
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int64(5*time.Second), a.threshold.Load())
	assert.Equal(t, int64(5), obs.total.Load())
}

func TestReaper_SurvivesPanickingPool(t *testing.T) {
	r := NewReaper(time.Hour, time.Second, utils.DiscardLogger())
	good := &fakePool{closes: 1}
	r.Register(panicPool{})
	r.Register(good)

	assert.Equal(t, 1, r.ReapOnce())
	assert.Equal(t, int32(1), good.calls.Load())
}

func TestReaper_StartStop(t *testing.T) {
	r := NewReaper(5*time.Millisecond, time.Second, utils.DiscardLogger())
	pool := &fakePool{}
	r.Register(pool)

	r.Start(context.Background())
	r.Start(context.Background())

	assert.Eventually(t, func() bool { return pool.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	stopped := pool.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, pool.calls.Load())

	r.Stop()
}

func TestReaper_RunHonorsContext(t *testing.T) {
	r := NewReaper(time.Hour, time.Second, utils.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
