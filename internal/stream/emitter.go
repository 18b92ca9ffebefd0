package stream

import "sync"

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc[T any] func(s Subscriber[T])

// Subscribe calls f(s).
func (f PublisherFunc[T]) Subscribe(s Subscriber[T]) { f(s) }

// FromSlice returns a cold Publisher that emits a copy of items to every subscriber, in order, honouring
// demand, and then completes.
func FromSlice[T any](items []T) Publisher[T] {
	snapshot := append([]T(nil), items...)
	return PublisherFunc[T](func(s Subscriber[T]) {
		idx := 0
		startEmitter(s, func(<-chan struct{}) (T, bool) {
			var zero T
			if idx >= len(snapshot) {
				return zero, false
			}
			item := snapshot[idx]
			idx++
			return item, true
		})
	})
}

// FromChannel returns a Publisher draining ch. Items are read only when demand is available, so the
// channel's own buffer is the producer's backpressure. The publisher completes when ch is closed.
// Concurrent subscribers compete for items.
func FromChannel[T any](ch <-chan T) Publisher[T] {
	return PublisherFunc[T](func(s Subscriber[T]) {
		startEmitter(s, func(done <-chan struct{}) (T, bool) {
			var zero T
			select {
			case <-done:
				return zero, false
			case item, ok := <-ch:
				return item, ok
			}
		})
	})
}

// emitter runs one subscription on its own goroutine so that Request calls made from inside OnNext never
// recurse into the subscriber.
type emitter[T any] struct {
	subscriber Subscriber[T]
	next       func(done <-chan struct{}) (T, bool)

	mu     sync.Mutex
	demand int64
	err    error

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func startEmitter[T any](s Subscriber[T], next func(done <-chan struct{}) (T, bool)) {
	e := &emitter[T]{
		subscriber: s,
		next:       next,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.OnSubscribe(e)
	go e.run()
}

func (e *emitter[T]) Request(n int64) {
	e.mu.Lock()
	if n <= 0 {
		if e.err == nil {
			e.err = ErrNonPositiveRequest("stream/emitter", n)
		}
	} else {
		e.demand = AddDemand(e.demand, n)
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter[T]) Cancel() {
	e.once.Do(func() { close(e.done) })
}

func (e *emitter[T]) cancelled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *emitter[T]) run() {
	for {
		if e.cancelled() {
			return
		}
		e.mu.Lock()
		if e.err != nil {
			err := e.err
			e.mu.Unlock()
			e.Cancel()
			e.subscriber.OnError(err)
			return
		}
		ready := e.demand > 0
		if ready && e.demand != Unbounded {
			e.demand--
		}
		e.mu.Unlock()

		if !ready {
			select {
			case <-e.wake:
				continue
			case <-e.done:
				return
			}
		}

		item, ok := e.next(e.done)
		if e.cancelled() {
			return
		}
		if !ok {
			e.Cancel()
			e.subscriber.OnComplete()
			return
		}
		e.subscriber.OnNext(item)
	}
}
