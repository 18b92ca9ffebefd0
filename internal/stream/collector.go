package stream

import (
	"context"
	"fmt"
	"sync"
)

// Collector is a Subscriber that accumulates every item it receives. It requests initialDemand on subscribe
// and leaves further demand to its owner.
type Collector[T any] struct {
	initial int64
	onNext  func(T)

	mu        sync.Mutex
	sub       Subscription
	items     []T
	err       error
	completed bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewCollector returns a Collector requesting initialDemand items once subscribed.
func NewCollector[T any](initialDemand int64) *Collector[T] {
	return NewCollectorFunc[T](initialDemand, nil)
}

// NewCollectorFunc is NewCollector with a callback invoked after each item is recorded.
func NewCollectorFunc[T any](initialDemand int64, onNext func(T)) *Collector[T] {
	return &Collector[T]{
		initial: initialDemand,
		onNext:  onNext,
		done:    make(chan struct{}),
	}
}

func (c *Collector[T]) OnSubscribe(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
	if c.initial > 0 {
		s.Request(c.initial)
	}
}

func (c *Collector[T]) OnNext(item T) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
	if c.onNext != nil {
		c.onNext(item)
	}
}

func (c *Collector[T]) OnError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Collector[T]) OnComplete() {
	c.mu.Lock()
	c.completed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Request asks the upstream for n more items. It is a no-op before OnSubscribe.
func (c *Collector[T]) Request(n int64) {
	c.mu.Lock()
	s := c.sub
	c.mu.Unlock()
	if s != nil {
		s.Request(n)
	}
}

// Cancel cancels the upstream subscription.
func (c *Collector[T]) Cancel() {
	c.mu.Lock()
	s := c.sub
	c.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Items returns a copy of the received items.
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Len returns the number of received items.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Err returns the terminal error, if any.
func (c *Collector[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Completed reports whether OnComplete was received.
func (c *Collector[T]) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Done is closed on the first terminal signal.
func (c *Collector[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until a terminal signal arrives or ctx ends, returning the terminal error.
func (c *Collector[T]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("collector wait: %w", ctx.Err())
	case <-c.done:
		return c.Err()
	}
}
