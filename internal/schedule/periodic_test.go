package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicRunsUntilStopped(t *testing.T) {
	var p Periodic
	var ticks atomic.Int32

	p.Start(context.Background(), 5*time.Millisecond, func(context.Context) { ticks.Add(1) })
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	p.Stop()
	assert.False(t, p.Running())
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestPeriodicRestartReplacesInterval(t *testing.T) {
	var p Periodic
	defer p.Stop()

	p.Start(context.Background(), time.Hour, func(context.Context) {})
	assert.Equal(t, time.Hour, p.Interval())

	p.Start(context.Background(), time.Minute, func(context.Context) {})
	assert.True(t, p.Running())
	assert.Equal(t, time.Minute, p.Interval())
}

func TestPeriodicConcurrentStartsLeaveOneLoop(t *testing.T) {
	var p Periodic
	var ticks atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start(context.Background(), time.Millisecond, func(context.Context) { ticks.Add(1) })
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return ticks.Load() > 0 }, time.Second, time.Millisecond)

	p.Stop()
	assert.False(t, p.Running())
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no loop may outlive Stop")
}

func TestPeriodicStopWaitsForRun(t *testing.T) {
	var p Periodic
	started := make(chan struct{})
	var finished atomic.Bool

	p.Start(context.Background(), time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
			return
		}
		<-ctx.Done()
		finished.Store(true)
	})

	<-started
	p.Stop()
	assert.True(t, finished.Load())
}

func TestPeriodicIgnoresNonPositiveInterval(t *testing.T) {
	var p Periodic
	p.Start(context.Background(), 0, func(context.Context) {})
	assert.False(t, p.Running())
	p.Stop()
}
