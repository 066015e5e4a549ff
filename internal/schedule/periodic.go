// Package schedule provides a cancellable repeating task. Starting a running
// task restarts it with the new interval; Stop cancels the timer and waits
// for an in-flight run to return, so no scheduled work is left behind.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Periodic runs a function on a fixed interval in a single goroutine.
type Periodic struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// Start begins calling fn every interval until Stop is called or ctx is
// cancelled. A previous run loop is stopped first and the new loop does not
// tick until it has exited.
func (p *Periodic) Start(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}

	p.mu.Lock()
	prevCancel, prevDone := p.cancel, p.done
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.interval = interval

	go func() {
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				fn(loopCtx)
			}
		}
	}()
	p.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call when idle.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.interval = nil, nil, 0
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a loop is active.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Interval returns the active interval, or zero when idle.
func (p *Periodic) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
