package natsbus

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/coachpo/busbridge/internal/bus"
)

// Config configures the NATS-backed bus.
type Config struct {
	URL                string
	SubjectPrefix      string
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	// MaxBackoff caps the wait between connection attempts.
	MaxBackoff   time.Duration
	ReplyTimeout time.Duration
	Logger       *log.Logger
	Codecs       *bus.CodecRegistry
}

func (c Config) normalize() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		c.URL = "nats://127.0.0.1:4222"
	}
	c.SubjectPrefix = strings.Trim(strings.TrimSpace(c.SubjectPrefix), ".")
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "busbridge"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "natsbus ", log.LstdFlags|log.Lmicroseconds)
	}
	if c.Codecs == nil {
		c.Codecs = bus.NewCodecRegistry()
	}
	return c
}

func (c Config) publishSubject(address string) string {
	return c.SubjectPrefix + ".pub." + address
}

func (c Config) sendSubject(address string) string {
	return c.SubjectPrefix + ".send." + address
}

func (c Config) queueGroup(address string) string {
	return c.SubjectPrefix + "." + address
}
