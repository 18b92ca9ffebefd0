package connector

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/busbridge/errs"
)

// Recognised channel option keys.
const (
	KeyAddress          = "address"
	KeyPublish          = "publish"
	KeyExpectReply      = "expect-reply"
	KeyCodec            = "codec"
	KeyMulticast        = "multicast"
	KeyReplyTimeout     = "reply-timeout"
	KeyBufferSize       = "buffer-size"
	KeyOverflowStrategy = "overflow-strategy"
	KeyThrottle         = "throttle"
	KeyThrottleBurst    = "throttle-burst"
)

// Defaults applied to absent options.
const (
	DefaultReplyTimeout  = 30 * time.Second
	DefaultBufferSize    = 128
	DefaultThrottleBurst = 1
)

// OverflowStrategy selects what a source does when its buffer is full.
type OverflowStrategy string

const (
	// OverflowFail cancels the subscription and signals an overflow error.
	OverflowFail OverflowStrategy = "fail"
	// OverflowDropOldest discards the oldest buffered message to make room.
	OverflowDropOldest OverflowStrategy = "drop-oldest"
)

// Config is the validated, read-only configuration of one connector channel.
type Config struct {
	channel       string
	address       string
	publish       bool
	expectReply   bool
	codec         string
	multicast     bool
	replyTimeout  time.Duration
	bufferSize    int
	overflow      OverflowStrategy
	throttle      float64
	throttleBurst int
}

// ParseConfig maps a channel option map onto a Config. Values may be typed or textual; unknown keys are ignored.
func ParseConfig(channel string, options map[string]any) (Config, error) {
	const op = "connector/config"
	cfg := Config{channel: strings.TrimSpace(channel)}
	var err error

	if cfg.address, err = stringOption(options, KeyAddress); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyAddress, err)
	}
	if cfg.publish, err = boolOption(options, KeyPublish); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyPublish, err)
	}
	if cfg.expectReply, err = boolOption(options, KeyExpectReply); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyExpectReply, err)
	}
	if cfg.codec, err = stringOption(options, KeyCodec); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyCodec, err)
	}
	if cfg.multicast, err = boolOption(options, KeyMulticast); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyMulticast, err)
	}
	if cfg.replyTimeout, err = durationOption(options, KeyReplyTimeout); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyReplyTimeout, err)
	}
	if cfg.bufferSize, err = intOption(options, KeyBufferSize); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyBufferSize, err)
	}
	overflow, err := stringOption(options, KeyOverflowStrategy)
	if err != nil {
		return Config{}, optionError(op, cfg.channel, KeyOverflowStrategy, err)
	}
	cfg.overflow = OverflowStrategy(strings.ToLower(overflow))
	if cfg.throttle, err = floatOption(options, KeyThrottle); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyThrottle, err)
	}
	if cfg.throttleBurst, err = intOption(options, KeyThrottleBurst); err != nil {
		return Config{}, optionError(op, cfg.channel, KeyThrottleBurst, err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	c.address = strings.TrimSpace(c.address)
	c.codec = strings.TrimSpace(c.codec)
	if c.replyTimeout == 0 {
		c.replyTimeout = DefaultReplyTimeout
	}
	if c.bufferSize == 0 {
		c.bufferSize = DefaultBufferSize
	}
	if c.overflow == "" {
		c.overflow = OverflowFail
	}
	if c.throttleBurst == 0 {
		c.throttleBurst = DefaultThrottleBurst
	}
	return c
}

// Validate reports configuration errors. The zero Config is invalid because it carries no address.
func (c Config) Validate() error {
	const op = "connector/config"
	fail := func(msg string) error {
		opts := []errs.Option{errs.WithMessage(msg)}
		if c.channel != "" {
			opts = append(opts, errs.WithField("channel", c.channel))
		}
		return errs.New(op, errs.CodeInvalid, opts...)
	}
	switch {
	case strings.TrimSpace(c.address) == "":
		return fail("address must be set")
	case c.publish && c.expectReply:
		return fail("publish and expect-reply cannot be combined")
	case c.replyTimeout < 0:
		return fail("reply-timeout must be positive")
	case c.bufferSize < 0:
		return fail("buffer-size must be positive")
	case c.overflow != "" && c.overflow != OverflowFail && c.overflow != OverflowDropOldest:
		return fail(fmt.Sprintf("unknown overflow-strategy %q", c.overflow))
	case c.throttle < 0 || math.IsNaN(c.throttle) || math.IsInf(c.throttle, 0):
		return fail("throttle must be a finite, non-negative rate")
	case c.throttleBurst < 0:
		return fail("throttle-burst must be positive")
	}
	return nil
}

// Channel returns the channel name used for logs and metrics, falling back to the address.
func (c Config) Channel() string {
	if c.channel != "" {
		return c.channel
	}
	return c.address
}

func (c Config) Address() string                    { return c.address }
func (c Config) Publish() bool                      { return c.publish }
func (c Config) ExpectReply() bool                  { return c.expectReply }
func (c Config) Codec() string                      { return c.codec }
func (c Config) Multicast() bool                    { return c.multicast }
func (c Config) ReplyTimeout() time.Duration        { return c.replyTimeout }
func (c Config) BufferSize() int                    { return c.bufferSize }
func (c Config) OverflowStrategy() OverflowStrategy { return c.overflow }
func (c Config) Throttle() float64                  { return c.throttle }
func (c Config) ThrottleBurst() int                 { return c.throttleBurst }

func optionError(op, channel, key string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage("invalid option value"),
		errs.WithField("key", key),
		errs.WithCause(cause),
	}
	if channel != "" {
		opts = append(opts, errs.WithField("channel", channel))
	}
	return errs.New(op, errs.CodeInvalid, opts...)
}

func stringOption(options map[string]any, key string) (string, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case fmt.Stringer:
		return strings.TrimSpace(v.String()), nil
	default:
		return "", fmt.Errorf("expected string, got %T", raw)
	}
}

func boolOption(options map[string]any, key string) (bool, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return false, nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("parse bool: %w", err)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", raw)
	}
}

func intOption(options map[string]any, key string) (int, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parse int: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func floatOption(options map[string]any, key string) (float64, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("parse float: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// durationOption accepts time.Duration values, Go duration strings and integer milliseconds.
func durationOption(options map[string]any, key string) (time.Duration, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		parsed, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, fmt.Errorf("parse duration: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected duration, got %T", raw)
	}
}
