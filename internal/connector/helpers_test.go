package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/busbridge/internal/bus"
)

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: 64})
	t.Cleanup(b.Close)
	return b
}

func mustConfig(t *testing.T, options map[string]any) Config {
	t.Helper()
	cfg, err := ParseConfig("test", options)
	require.NoError(t, err)
	return cfg
}

func messages[T any](items ...T) []*Message {
	out := make([]*Message, len(items))
	for i, item := range items {
		out[i] = NewMessage(item)
	}
	return out
}

func ints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// spyBus counts bus interactions while delegating to a real bus.
type spyBus struct {
	bus.Bus
	listens atomic.Int32
	sends   atomic.Int32
}

func (s *spyBus) Listen(ctx context.Context, address string, handler bus.Handler) (bus.Registration, error) {
	s.listens.Add(1)
	return s.Bus.Listen(ctx, address, handler)
}

func (s *spyBus) Send(ctx context.Context, address string, body any, opts ...bus.DeliveryOption) error {
	s.sends.Add(1)
	return s.Bus.Send(ctx, address, body, opts...)
}

// bodies collects envelope bodies from a bus listener.
type bodies struct {
	mu    sync.Mutex
	items []any
}

func (b *bodies) add(env *bus.Envelope) {
	b.mu.Lock()
	b.items = append(b.items, env.Body)
	b.mu.Unlock()
}

func (b *bodies) snapshot() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.items...)
}

func (b *bodies) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for termination")
	}
}
