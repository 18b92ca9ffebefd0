package connector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/stream"
)

func TestProviderBuildsNamedChannels(t *testing.T) {
	b := newTestBus(t)
	p := NewProvider(b, WithProviderMetrics(NewMetrics(prometheus.NewRegistry())), WithProviderCodec(personCodec{}))

	err := p.Build(
		map[string]map[string]any{"orders-in": {KeyAddress: "orders", KeyMulticast: true}},
		map[string]map[string]any{
			"orders-out": {KeyAddress: "orders", KeyPublish: true},
			"people-out": {KeyAddress: "people", KeyCodec: "PersonCodec"},
		},
	)
	require.NoError(t, err)

	src, ok := p.LookupSource("orders-in")
	require.True(t, ok)
	require.True(t, src.Config().Multicast())
	sink, ok := p.LookupSink("orders-out")
	require.True(t, ok)
	require.True(t, sink.Config().Publish())
	_, ok = p.LookupSink("people-out")
	require.True(t, ok)
	_, ok = p.LookupSink("missing")
	require.False(t, ok)

	_, err = p.Sink("orders-out", map[string]any{KeyAddress: "x"})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, err = p.Source("orders-in", map[string]any{KeyAddress: "x"})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestProviderBuildStopsAtInvalidChannel(t *testing.T) {
	p := NewProvider(newTestBus(t))
	err := p.Build(nil, map[string]map[string]any{"broken": {KeyPublish: true, KeyExpectReply: true, KeyAddress: "a"}})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, ok := p.LookupSink("broken")
	require.False(t, ok)
}

func TestProviderCloseTerminatesSinks(t *testing.T) {
	p := NewProvider(newTestBus(t))
	sink, err := p.Sink("out", map[string]any{KeyAddress: "nowhere"})
	require.NoError(t, err)
	p.Close()
	waitDone(t, sink.Done())
	require.NoError(t, sink.Err())
}

// The scenarios below wire a sink and a source through the same bus.

func TestEndToEndSendThroughBus(t *testing.T) {
	b := newTestBus(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := NewProvider(b, WithProviderMetrics(metrics))
	require.NoError(t, p.Build(
		map[string]map[string]any{"in": {KeyAddress: "pipe"}},
		map[string]map[string]any{"out": {KeyAddress: "pipe"}},
	))
	src, _ := p.LookupSource("in")
	sink, _ := p.LookupSink("out")

	c := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(c)
	stream.FromSlice(messages(ints(10)...)).Subscribe(sink)

	waitDone(t, sink.Done())
	require.NoError(t, sink.Err())
	require.Eventually(t, func() bool { return c.Len() == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, payloads(c.Items()))
	require.Equal(t, 10.0, testutil.ToFloat64(metrics.SentCounter("out")))
	require.Equal(t, 10.0, testutil.ToFloat64(metrics.ReceivedCounter("in")))
}

func TestEndToEndPublishToMulticastSource(t *testing.T) {
	b := newTestBus(t)
	p := NewProvider(b)
	require.NoError(t, p.Build(
		map[string]map[string]any{"in": {KeyAddress: "topic", KeyMulticast: true}},
		map[string]map[string]any{"out": {KeyAddress: "topic", KeyPublish: true}},
	))
	src, _ := p.LookupSource("in")
	sink, _ := p.LookupSink("out")

	first := stream.NewCollector[*Message](stream.Unbounded)
	second := stream.NewCollector[*Message](stream.Unbounded)
	src.Subscribe(first)
	src.Subscribe(second)
	stream.FromSlice(messages(ints(10)...)).Subscribe(sink)

	waitDone(t, sink.Done())
	want := []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.Eventually(t, func() bool { return first.Len() == 10 && second.Len() == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, payloads(first.Items()))
	require.Equal(t, want, payloads(second.Items()))
}

func TestEndToEndRequestReply(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	p := NewProvider(b)
	require.NoError(t, p.Build(
		map[string]map[string]any{"in": {KeyAddress: "calc"}},
		map[string]map[string]any{"out": {KeyAddress: "calc", KeyExpectReply: true, KeyReplyTimeout: "2s"}},
	))
	src, _ := p.LookupSource("in")
	sink, _ := p.LookupSink("out")

	server := stream.NewCollectorFunc[*Message](stream.Unbounded, func(msg *Message) {
		_ = msg.Reply(ctx, msg.Payload.(int)*msg.Payload.(int))
	})
	src.Subscribe(server)

	results := make(chan string, 5)
	items := make([]*Message, 5)
	for i := range items {
		items[i] = &Message{Payload: i, OnReply: func(_ context.Context, reply *Message) error {
			results <- fmt.Sprintf("%d", reply.Payload)
			return nil
		}}
	}
	stream.FromSlice(items).Subscribe(sink)

	waitDone(t, sink.Done())
	require.NoError(t, sink.Err())
	close(results)
	var got []string
	for r := range results {
		got = append(got, r)
	}
	require.Equal(t, []string{"0", "1", "4", "9", "16"}, got)
}
