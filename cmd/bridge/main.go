// Command bridge runs busbridge channels from a YAML configuration.
//
// Every outgoing channel is fed by a counter producer and every incoming channel is drained by a logging
// consumer that answers requests, which makes a single config file enough to watch messages cross the bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/busbridge/internal/bus"
	"github.com/coachpo/busbridge/internal/bus/natsbus"
	"github.com/coachpo/busbridge/internal/config"
	"github.com/coachpo/busbridge/internal/connector"
	"github.com/coachpo/busbridge/internal/telemetry"
)

const (
	defaultConfigPath         = "config/app.yaml"
	bridgeLoggerPrefix        = "bridge "
	shutdownTimeout           = 30 * time.Second
	metricsServerTimeout      = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	busShutdownTimeout        = 2 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	metricsReadHeaderTimeout  = 5 * time.Second
	defaultProducerInterval   = time.Second
	defaultMetricsListenAddr  = ":9090"
	disabledMetricsListenAddr = "off"
)

type flags struct {
	configPath  string
	interval    time.Duration
	metricsAddr string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBridgeLogger()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, transport=%s, incoming=%d, outgoing=%d",
		appCfg.Environment, appCfg.Bus.Transport, len(appCfg.Incoming), len(appCfg.Outgoing))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	messageBus, err := newBus(ctx, logger, appCfg.Bus)
	if err != nil {
		logger.Fatalf("initialise bus: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	provider := connector.NewProvider(messageBus,
		connector.WithProviderLogger(logger),
		connector.WithProviderMetrics(connector.NewMetrics(registry)))
	if err := provider.Build(appCfg.Incoming, appCfg.Outgoing); err != nil {
		logger.Fatalf("build channels: %v", err)
	}

	var lifecycle conc.WaitGroup
	consumers := startConsumers(ctx, &lifecycle, logger, provider, appCfg.Incoming)
	producers := startProducers(ctx, &lifecycle, logger, provider, appCfg.Outgoing, opts.interval)
	logger.Printf("channels wired: consumers=%d, producers=%d", consumers, producers)

	metricsServer := buildMetricsServer(opts.metricsAddr, registry)
	if metricsServer != nil {
		startMetricsServer(&lifecycle, logger, metricsServer)
		logger.Printf("metrics listening on %s", metricsServer.Addr)
	}

	logger.Print("bridge started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     metricsServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		provider:   provider,
		bus:        messageBus,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var out flags
	flag.StringVar(&out.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.DurationVar(&out.interval, "interval", defaultProducerInterval, "Delay between messages emitted on each outgoing channel")
	flag.StringVar(&out.metricsAddr, "metrics-addr", defaultMetricsListenAddr, fmt.Sprintf("Prometheus listen address (%q disables)", disabledMetricsListenAddr))
	flag.Parse()
	return out
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBridgeLogger() *log.Logger {
	return log.New(os.Stdout, bridgeLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.Telemetry.Apply(telemetry.DefaultConfig(), appCfg.Environment)
	telemetry.SetEnvironment(telemetryCfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newBus(ctx context.Context, logger *log.Logger, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Transport {
	case config.TransportNATS:
		natsCfg := cfg.NATSBusConfig()
		natsCfg.Logger = logger
		b, err := natsbus.Connect(ctx, natsCfg)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		logger.Printf("bus: nats connected url=%s prefix=%s", natsCfg.URL, natsCfg.SubjectPrefix)
		return b, nil
	default:
		memCfg := cfg.MemoryConfig()
		memCfg.Logger = logger
		logger.Printf("bus: memory buffer=%d fanout=%d", memCfg.BufferSize, memCfg.FanoutWorkers)
		return bus.NewMemoryBus(memCfg), nil
	}
}

func buildMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	if addr == "" || addr == disabledMetricsListenAddr {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func startMetricsServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	provider   *connector.Provider
	bus        bus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping metrics server", metricsServerTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for channel goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.provider != nil {
		logger.Print("shutdown: closing outgoing channels")
		cfg.provider.Close()
	}

	if cfg.bus != nil {
		shutdownStep("closing bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for shutdown step: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
