package connector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
	"github.com/coachpo/busbridge/internal/stream"
)

func payloads(items []*Message) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item.Payload
	}
	return out
}

func TestSourceDeliversToSingleSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "in"}))
	require.NoError(t, err)

	c := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(c)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(ctx, "in", i))
	}

	require.Eventually(t, func() bool { return c.Len() == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, payloads(c.Items()))
	require.Equal(t, "in", c.Items()[0].Address())
	require.False(t, c.Items()[0].ExpectsReply())
}

func TestSourceMulticastSubscribersReceiveEverything(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "fan", KeyMulticast: "true"}))
	require.NoError(t, err)

	slow := stream.NewCollector[*Message](3)
	fast := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(slow)
	src.Subscribe(fast)
	require.NoError(t, slow.Err())
	require.NoError(t, fast.Err())

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "fan", i))
	}
	want := []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.Eventually(t, func() bool { return fast.Len() == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, payloads(fast.Items()))
	require.Never(t, func() bool { return slow.Len() > 3 }, 50*time.Millisecond, 5*time.Millisecond)

	slow.Request(7)
	require.Eventually(t, func() bool { return slow.Len() == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, payloads(slow.Items()))
}

func TestSourceRejectsSecondSubscriberWithoutMulticast(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "solo"}))
	require.NoError(t, err)

	first := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(first)

	second := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(second)
	waitDone(t, second.Done())
	require.True(t, errs.Is(second.Err(), errs.CodeUsage))

	require.NoError(t, b.Send(ctx, "solo", "still flowing"))
	require.Eventually(t, func() bool { return first.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	first.Cancel()
	third := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(third)
	require.NoError(t, third.Err())
	require.NoError(t, b.Send(ctx, "solo", "next"))
	require.Eventually(t, func() bool { return third.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, first.Len())
}

func TestSourceOverflowFailsSubscription(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "tight", KeyBufferSize: 3}))
	require.NoError(t, err)

	c := stream.NewCollector[*Message](0)
	src.Subscribe(c)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Send(ctx, "tight", i))
	}

	waitDone(t, c.Done())
	require.True(t, errs.Is(c.Err(), errs.CodeOverflow))
	require.Zero(t, c.Len())
	require.Eventually(t, func() bool {
		return errs.Is(b.Send(ctx, "tight", 99), errs.CodeUnavailable)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSourceDropOldestKeepsNewestMessages(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	src, err := NewSource(b, mustConfig(t, map[string]any{
		KeyAddress:          "lossy",
		KeyBufferSize:       3,
		KeyOverflowStrategy: "drop-oldest",
	}), WithSourceMetrics(metrics))
	require.NoError(t, err)

	c := stream.NewCollector[*Message](0)
	src.Subscribe(c)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(ctx, "lossy", i))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ReceivedCounter("test")) == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.DroppedCounter("test")))
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.BufferedGauge("test")))

	c.Request(10)
	require.Eventually(t, func() bool { return c.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []any{2, 3, 4}, payloads(c.Items()))
	require.NoError(t, c.Err())
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.BufferedGauge("test")))
}

func TestSourceNonPositiveRequestIsUsageError(t *testing.T) {
	b := newTestBus(t)
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "misuse"}))
	require.NoError(t, err)

	c := stream.NewCollector[*Message](0)
	src.Subscribe(c)
	c.Request(0)

	waitDone(t, c.Done())
	require.True(t, errs.Is(c.Err(), errs.CodeUsage))
	require.Eventually(t, func() bool {
		return errs.Is(b.Send(context.Background(), "misuse", 1), errs.CodeUnavailable)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSourceCancelReleasesListener(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	defer b.Close()
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "cancel"}))
	require.NoError(t, err)

	var delivered atomic.Int32
	var c *stream.Collector[*Message]
	c = stream.NewCollectorFunc[*Message](stream.Unbounded, func(*Message) {
		if delivered.Add(1) == 2 {
			c.Cancel()
		}
	})
	src.Subscribe(c)
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Send(ctx, "cancel", i))
	}
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return errs.Is(b.Send(ctx, "cancel", 3), errs.CodeUnavailable)
	}, 2*time.Second, 5*time.Millisecond)
	c.Cancel()
	require.Equal(t, int32(2), delivered.Load())
	require.False(t, c.Completed())
	require.NoError(t, c.Err())
}

func TestSourceDrainsBufferAfterBusClose(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "closing"}), WithSourceMetrics(metrics))
	require.NoError(t, err)

	c := stream.NewCollector[*Message](0)
	src.Subscribe(c)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(ctx, "closing", i))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BufferedGauge("test")) == 3
	}, 2*time.Second, 5*time.Millisecond)
	b.Close()

	c.Request(10)
	waitDone(t, c.Done())
	require.True(t, c.Completed())
	require.Equal(t, []any{0, 1, 2}, payloads(c.Items()))
}

func TestSourceReentrantRequestFromOnNext(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "reentrant"}))
	require.NoError(t, err)

	var c *stream.Collector[*Message]
	c = stream.NewCollectorFunc[*Message](1, func(*Message) { c.Request(1) })
	src.Subscribe(c)
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Send(ctx, "reentrant", i))
	}
	require.Eventually(t, func() bool { return c.Len() == 20 }, 2*time.Second, 5*time.Millisecond)
}

func TestSourceListenFailureIsSignalled(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	b.Close()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "gone"}))
	require.NoError(t, err)

	c := stream.NewCollector[*Message](1)
	src.Subscribe(c)
	waitDone(t, c.Done())
	require.True(t, errs.Is(c.Err(), errs.CodeUnavailable))
}

func TestSourceMessagesCarryReplyCapability(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	src, err := NewSource(b, mustConfig(t, map[string]any{KeyAddress: "service"}))
	require.NoError(t, err)

	c := stream.NewCollectorFunc[*Message](stream.Unbounded, func(msg *Message) {
		if msg.Payload == "bad" {
			_ = msg.Fail(ctx, 7, "refused")
			return
		}
		_ = msg.Reply(ctx, "pong")
	})
	src.Subscribe(c)

	replies := make(chan error, 2)
	var body atomic.Value
	require.NoError(t, b.Request(ctx, "service", "ping", func(reply *bus.Envelope, err error) {
		if err == nil {
			body.Store(reply.Body)
		}
		replies <- err
	}))
	require.NoError(t, <-replies)
	require.Equal(t, "pong", body.Load())

	require.NoError(t, b.Request(ctx, "service", "bad", func(_ *bus.Envelope, err error) { replies <- err }))
	require.True(t, errs.Is(<-replies, errs.CodeRejected))
	require.True(t, c.Items()[0].ExpectsReply())
	require.NotEmpty(t, c.Items()[0].ReplyAddress())
}

func TestSourceRejectsInvalidConfig(t *testing.T) {
	_, err := NewSource(newTestBus(t), Config{})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestOutboundMessageCannotReply(t *testing.T) {
	msg := NewMessage(1)
	require.False(t, msg.ExpectsReply())
	require.Empty(t, msg.Address())
	require.True(t, errs.Is(msg.Reply(context.Background(), 2), errs.CodeInvalid))
	require.True(t, errs.Is(msg.Fail(context.Background(), 1, "x"), errs.CodeInvalid))
}
