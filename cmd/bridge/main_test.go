package main

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/busbridge/internal/bus"
	"github.com/coachpo/busbridge/internal/config"
	"github.com/coachpo/busbridge/internal/connector"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestBuildMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.Nil(t, buildMetricsServer(disabledMetricsListenAddr, reg))
	require.Nil(t, buildMetricsServer("", reg))

	server := buildMetricsServer("127.0.0.1:0", reg)
	require.NotNil(t, server)
	require.Equal(t, "127.0.0.1:0", server.Addr)
	require.Equal(t, metricsReadHeaderTimeout, server.ReadHeaderTimeout)
}

func TestNewBusDefaultsToMemory(t *testing.T) {
	logger := log.New(&syncBuffer{}, "", 0)
	b, err := newBus(context.Background(), logger, config.Default().Bus)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	_, ok := b.(*bus.MemoryBus)
	require.True(t, ok)
}

func TestProducersAndConsumersExchangeRequests(t *testing.T) {
	out := &syncBuffer{}
	logger := log.New(out, "", 0)

	b := bus.NewMemoryBus(bus.MemoryConfig{Logger: logger})
	t.Cleanup(b.Close)

	incoming := config.Channels{"quotes-in": {"address": "demo.quotes"}}
	outgoing := config.Channels{"quotes": {"address": "demo.quotes", "expect-reply": true, "reply-timeout": "200ms"}}

	provider := connector.NewProvider(b, connector.WithProviderLogger(logger))
	require.NoError(t, provider.Build(incoming, outgoing))

	ctx, cancel := context.WithCancel(context.Background())
	var lifecycle conc.WaitGroup
	require.Equal(t, 1, startConsumers(ctx, &lifecycle, logger, provider, incoming))
	require.Equal(t, 1, startProducers(ctx, &lifecycle, logger, provider, outgoing, 5*time.Millisecond))

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "producer: reply received channel=quotes") >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitFor(context.Background(), lifecycle.Wait))
	require.Contains(t, out.String(), "consumer: message channel=quotes-in address=demo.quotes seq=1")
}

func TestStartSkipsUnknownChannels(t *testing.T) {
	logger := log.New(&syncBuffer{}, "", 0)
	b := bus.NewMemoryBus(bus.MemoryConfig{Logger: logger})
	t.Cleanup(b.Close)
	provider := connector.NewProvider(b, connector.WithProviderLogger(logger))

	var lifecycle conc.WaitGroup
	channels := config.Channels{"missing": {"address": "nowhere"}}
	require.Zero(t, startConsumers(context.Background(), &lifecycle, logger, provider, channels))
	require.Zero(t, startProducers(context.Background(), &lifecycle, logger, provider, channels, time.Millisecond))
	lifecycle.Wait()
}

func TestWaitForTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	require.Error(t, waitFor(ctx, func() { <-block }))
}
