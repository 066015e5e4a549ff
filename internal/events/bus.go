// Package events provides a small typed publish/subscribe bus. Every
// subscription returns an unsubscribe handle so listeners can be removed
// deterministically. A panicking subscriber is logged and does not stop
// delivery to the others.
package events

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
)

// Unsubscribe removes a subscription. Calling it more than once is harmless.
type Unsubscribe func()

// Bus fans a value out to every current subscriber.
type Bus[T any] struct {
	logger *zap.Logger

	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

// NewBus returns an empty bus that reports subscriber panics to logger.
func NewBus[T any](logger *zap.Logger) *Bus[T] {
	return &Bus[T]{logger: logging.OrNop(logger), subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns its unsubscribe handle.
func (b *Bus[T]) Subscribe(fn func(T)) Unsubscribe {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber synchronously. Subscribers run
// outside the bus lock and may subscribe or unsubscribe from inside fn.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.subs))
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, v)
	}
}

func (b *Bus[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event", fmt.Sprintf("%T", v)),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn(v)
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
