package connector

import (
	"log"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
)

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithProviderLogger sets the logger handed to every connector.
func WithProviderLogger(logger *log.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProviderMetrics sets the metrics shared by every connector.
func WithProviderMetrics(m *Metrics) ProviderOption {
	return func(p *Provider) {
		p.metrics = m
	}
}

// WithProviderCodec makes codec available to sinks whose channel names it.
func WithProviderCodec(codec bus.Codec) ProviderOption {
	return func(p *Provider) {
		if codec != nil {
			p.codecs[codec.Name()] = codec
		}
	}
}

// Provider builds named sources and sinks sharing one bus.
type Provider struct {
	bus     bus.Bus
	logger  *log.Logger
	metrics *Metrics
	codecs  map[string]bus.Codec

	mu      sync.Mutex
	sources map[string]*Source
	sinks   map[string]*Sink
}

// NewProvider returns a provider creating connectors on b.
func NewProvider(b bus.Bus, opts ...ProviderOption) *Provider {
	p := &Provider{
		bus:     b,
		logger:  log.New(os.Stderr, "connector ", log.LstdFlags|log.Lmicroseconds),
		codecs:  make(map[string]bus.Codec),
		sources: make(map[string]*Source),
		sinks:   make(map[string]*Sink),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Build creates every incoming source and outgoing sink. Channels are built in name order and the first failure
// aborts the build.
func (p *Provider) Build(incoming, outgoing map[string]map[string]any) error {
	for _, name := range slices.Sorted(maps.Keys(incoming)) {
		if _, err := p.Source(name, incoming[name]); err != nil {
			return err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(outgoing)) {
		if _, err := p.Sink(name, outgoing[name]); err != nil {
			return err
		}
	}
	return nil
}

// Source creates the incoming channel name from options.
func (p *Provider) Source(name string, options map[string]any) (*Source, error) {
	cfg, err := ParseConfig(name, options)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[cfg.Channel()]; exists {
		return nil, duplicateChannel("connector/provider", cfg.Channel())
	}
	src, err := NewSource(p.bus, cfg, WithSourceLogger(p.logger), WithSourceMetrics(p.metrics))
	if err != nil {
		return nil, err
	}
	p.sources[cfg.Channel()] = src
	p.logger.Printf("connector: incoming channel ready channel=%s address=%s multicast=%t", cfg.Channel(), cfg.Address(), cfg.Multicast())
	return src, nil
}

// Sink creates the outgoing channel name from options.
func (p *Provider) Sink(name string, options map[string]any) (*Sink, error) {
	cfg, err := ParseConfig(name, options)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sinks[cfg.Channel()]; exists {
		return nil, duplicateChannel("connector/provider", cfg.Channel())
	}
	opts := []SinkOption{WithSinkLogger(p.logger), WithSinkMetrics(p.metrics)}
	if codec, ok := p.codecs[cfg.Codec()]; ok {
		opts = append(opts, WithSinkCodec(codec))
	}
	sink, err := NewSink(p.bus, cfg, opts...)
	if err != nil {
		return nil, err
	}
	p.sinks[cfg.Channel()] = sink
	p.logger.Printf("connector: outgoing channel ready channel=%s address=%s publish=%t expect-reply=%t", cfg.Channel(), cfg.Address(), cfg.Publish(), cfg.ExpectReply())
	return sink, nil
}

// LookupSource returns the incoming channel registered under name.
func (p *Provider) LookupSource(name string) (*Source, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.sources[name]
	return src, ok
}

// LookupSink returns the outgoing channel registered under name.
func (p *Provider) LookupSink(name string) (*Sink, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sink, ok := p.sinks[name]
	return sink, ok
}

// Close terminates every sink. Sources stop when their subscribers cancel or the bus closes.
func (p *Provider) Close() {
	p.mu.Lock()
	sinks := slices.Collect(maps.Values(p.sinks))
	p.mu.Unlock()
	for _, sink := range sinks {
		sink.Close()
	}
}

func duplicateChannel(op, name string) error {
	return errs.New(op, errs.CodeInvalid, errs.WithMessage("channel already defined"), errs.WithField("channel", name))
}
