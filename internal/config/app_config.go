// Package config loads the bridge configuration from YAML.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/busbridge/internal/bus"
	"github.com/coachpo/busbridge/internal/bus/natsbus"
	"github.com/coachpo/busbridge/internal/connector"
	"github.com/coachpo/busbridge/internal/telemetry"
)

// NATSConfig describes the NATS connection used when transport is nats.
type NATSConfig struct {
	URL                string        `yaml:"url"`
	SubjectPrefix      string        `yaml:"subjectPrefix"`
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
	MaxConnectAttempts int           `yaml:"maxConnectAttempts"`
}

// BusConfig selects and sizes the bus.
type BusConfig struct {
	Transport     Transport           `yaml:"transport"`
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
	ReplyTimeout  time.Duration       `yaml:"replyTimeout"`
	NATS          NATSConfig          `yaml:"nats"`
}

// MemoryConfig converts the section into in-memory bus settings.
func (c BusConfig) MemoryConfig() bus.MemoryConfig {
	return bus.MemoryConfig{
		BufferSize:    c.BufferSize,
		FanoutWorkers: c.FanoutWorkers.Count(),
		ReplyTimeout:  c.ReplyTimeout,
	}
}

// NATSBusConfig converts the section into NATS bus settings.
func (c BusConfig) NATSBusConfig() natsbus.Config {
	return natsbus.Config{
		URL:                c.NATS.URL,
		SubjectPrefix:      c.NATS.SubjectPrefix,
		ConnectTimeout:     c.NATS.ConnectTimeout,
		MaxConnectAttempts: c.NATS.MaxConnectAttempts,
		ReplyTimeout:       c.ReplyTimeout,
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// Apply overlays the section onto base, leaving unset values untouched.
func (c TelemetryConfig) Apply(base telemetry.Config, env Environment) telemetry.Config {
	if c.OTLPEndpoint != "" {
		base.OTLPEndpoint = c.OTLPEndpoint
	}
	if c.ServiceName != "" {
		base.ServiceName = c.ServiceName
	}
	base.OTLPInsecure = c.OTLPInsecure
	base.EnableMetrics = c.EnableMetrics
	base.Enabled = c.EnableMetrics
	if env != "" {
		base.Environment = string(env)
	}
	return base
}

// Channels maps channel names to connector option maps.
type Channels map[string]map[string]any

// AppConfig is the unified bridge configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Bus         BusConfig       `yaml:"bus"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Incoming    Channels        `yaml:"incoming"`
	Outgoing    Channels        `yaml:"outgoing"`
}

// Default returns a configuration for a development memory bus without channels.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Bus:         BusConfig{Transport: TransportMemory},
		Telemetry:   TelemetryConfig{ServiceName: "busbridge", OTLPInsecure: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath, falling back to Default when the path is empty or the file does not exist.
// The boolean reports whether the configuration came from the file.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Bus.Transport = Transport(strings.ToLower(strings.TrimSpace(string(c.Bus.Transport))))
	if c.Bus.Transport == "" {
		c.Bus.Transport = TransportMemory
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 1024
	}
	if c.Bus.ReplyTimeout == 0 {
		c.Bus.ReplyTimeout = 30 * time.Second
	}
	c.Bus.NATS.URL = strings.TrimSpace(c.Bus.NATS.URL)
	if c.Bus.NATS.URL == "" {
		c.Bus.NATS.URL = "nats://127.0.0.1:4222"
	}
	c.Bus.NATS.SubjectPrefix = strings.TrimSpace(c.Bus.NATS.SubjectPrefix)
	if c.Bus.NATS.SubjectPrefix == "" {
		c.Bus.NATS.SubjectPrefix = "busbridge"
	}
	if c.Bus.NATS.ConnectTimeout == 0 {
		c.Bus.NATS.ConnectTimeout = 5 * time.Second
	}
	if c.Bus.NATS.MaxConnectAttempts == 0 {
		c.Bus.NATS.MaxConnectAttempts = 5
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "busbridge"
	}

	var err error
	if c.Incoming, err = normaliseChannels("incoming", c.Incoming); err != nil {
		return err
	}
	if c.Outgoing, err = normaliseChannels("outgoing", c.Outgoing); err != nil {
		return err
	}
	return nil
}

func normaliseChannels(section string, channels Channels) (Channels, error) {
	out := make(Channels, len(channels))
	for name, options := range channels {
		key := strings.TrimSpace(name)
		if key == "" {
			return nil, fmt.Errorf("%s: channel name required", section)
		}
		if _, exists := out[key]; exists {
			return nil, fmt.Errorf("%s: duplicate channel name %q", section, key)
		}
		if options == nil {
			options = map[string]any{}
		}
		out[key] = options
	}
	return out, nil
}

// Validate performs semantic validation on the configuration. Every channel is parsed with the connector option
// rules so misconfigured channels fail at load time.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Bus.Transport {
	case TransportMemory:
	case TransportNATS:
		if c.Bus.NATS.URL == "" {
			return fmt.Errorf("bus nats url required")
		}
		if c.Bus.NATS.ConnectTimeout <= 0 {
			return fmt.Errorf("bus nats connectTimeout must be >0")
		}
		if c.Bus.NATS.MaxConnectAttempts <= 0 {
			return fmt.Errorf("bus nats maxConnectAttempts must be >0")
		}
	default:
		return fmt.Errorf("bus transport must be one of memory, nats")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus bufferSize must be >0")
	}
	if c.Bus.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("bus fanoutWorkers must be >0")
	}
	if c.Bus.ReplyTimeout <= 0 {
		return fmt.Errorf("bus replyTimeout must be >0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	for _, name := range slices.Sorted(maps.Keys(c.Incoming)) {
		if _, err := connector.ParseConfig(name, c.Incoming[name]); err != nil {
			return fmt.Errorf("incoming channel %q: %w", name, err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Outgoing)) {
		if _, err := connector.ParseConfig(name, c.Outgoing[name]); err != nil {
			return fmt.Errorf("outgoing channel %q: %w", name, err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
