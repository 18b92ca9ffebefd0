package connector

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
	"github.com/coachpo/busbridge/internal/stream"
)

// SourceOption customises a Source.
type SourceOption func(*Source)

// WithSourceLogger overrides the source logger.
func WithSourceLogger(logger *log.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSourceMetrics records source activity on m.
func WithSourceMetrics(m *Metrics) SourceOption {
	return func(s *Source) {
		s.metrics = m
	}
}

// Source publishes the messages arriving on a bus address. Every subscription owns its own bus listener; without
// multicast only one subscription may be active at a time.
type Source struct {
	bus     bus.Bus
	cfg     Config
	logger  *log.Logger
	metrics *Metrics

	mu     sync.Mutex
	active *sourceSubscription
}

var _ stream.Publisher[*Message] = (*Source)(nil)

// NewSource validates cfg and prepares a source bound to b. Listeners are registered per subscription.
func NewSource(b bus.Bus, cfg Config, opts ...SourceOption) (*Source, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errs.New("connector/source", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	s := &Source{
		bus:    b,
		cfg:    cfg,
		logger: log.New(os.Stderr, "connector ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Config returns the source configuration.
func (s *Source) Config() Config { return s.cfg }

// Subscribe registers a bus listener for sub and starts emitting as sub requests.
func (s *Source) Subscribe(sub stream.Subscriber[*Message]) {
	const op = "connector/source"
	if sub == nil {
		panic("connector: nil subscriber")
	}
	ss := &sourceSubscription{
		source:     s,
		subscriber: sub,
		buffer:     make([]*Message, 0, min(s.cfg.BufferSize(), 64)),
	}

	if !s.cfg.Multicast() {
		s.mu.Lock()
		if s.active != nil {
			s.mu.Unlock()
			stream.Reject(sub, errs.New(op, errs.CodeUsage,
				errs.WithAddress(s.cfg.Address()),
				errs.WithMessage("source already has a subscriber; enable multicast to share it")))
			return
		}
		s.active = ss
		s.mu.Unlock()
	}

	reg, err := s.bus.Listen(context.Background(), s.cfg.Address(), ss.onEnvelope)
	if err != nil {
		s.release(ss)
		stream.Reject(sub, err)
		return
	}
	ss.mu.Lock()
	ss.reg = reg
	overflowed := ss.failure != nil
	ss.mu.Unlock()
	if overflowed {
		_ = reg.Unregister()
	}
	go ss.watch(reg)

	sub.OnSubscribe(stream.NewCancelableSubscription(ss, func() {
		if err := reg.Unregister(); err != nil {
			s.logger.Printf("connector: unregister failed channel=%s address=%s err=%v", s.cfg.Channel(), s.cfg.Address(), err)
		}
	}))

	ss.mu.Lock()
	ss.ready = true
	ss.mu.Unlock()
	ss.drain()
}

func (s *Source) release(ss *sourceSubscription) {
	s.mu.Lock()
	if s.active == ss {
		s.active = nil
	}
	s.mu.Unlock()
}

// sourceSubscription couples one subscriber to one bus listener. Envelopes are buffered until demand allows
// emission; every signal to the subscriber goes through drain so they never overlap.
type sourceSubscription struct {
	source     *Source
	subscriber stream.Subscriber[*Message]

	mu         sync.Mutex
	reg        bus.Registration
	buffer     []*Message
	demand     int64
	ready      bool
	emitting   bool
	cancelled  bool
	closed     bool
	terminated bool
	failure    error
}

func (ss *sourceSubscription) onEnvelope(env *bus.Envelope) {
	cfg := ss.source.cfg
	metrics := ss.source.metrics
	msg := inboundMessage(env)

	ss.mu.Lock()
	if ss.cancelled || ss.terminated || ss.failure != nil {
		ss.mu.Unlock()
		return
	}
	if len(ss.buffer) >= cfg.BufferSize() {
		if cfg.OverflowStrategy() == OverflowDropOldest {
			ss.buffer[0] = nil
			ss.buffer = ss.buffer[1:]
			ss.buffer = append(ss.buffer, msg)
			ss.mu.Unlock()
			metrics.observeReceived(cfg.Channel())
			metrics.observeDropped(cfg.Channel())
			ss.source.logger.Printf("connector: source buffer full; dropped oldest message channel=%s address=%s size=%d",
				cfg.Channel(), cfg.Address(), cfg.BufferSize())
			return
		}
		discarded := len(ss.buffer)
		ss.buffer = nil
		ss.failure = errs.New("connector/source", errs.CodeOverflow,
			errs.WithAddress(cfg.Address()),
			errs.WithMessage("buffer full while downstream demand is exhausted"),
			errs.WithField("buffer-size", strconv.Itoa(cfg.BufferSize())))
		reg := ss.reg
		ss.mu.Unlock()
		metrics.addBuffered(cfg.Channel(), -discarded)
		ss.source.logger.Printf("connector: source overflow channel=%s address=%s discarded=%d",
			cfg.Channel(), cfg.Address(), discarded)
		if reg != nil {
			_ = reg.Unregister()
		}
		ss.drain()
		return
	}
	ss.buffer = append(ss.buffer, msg)
	ss.mu.Unlock()
	metrics.observeReceived(cfg.Channel())
	metrics.addBuffered(cfg.Channel(), 1)
	ss.drain()
}

// Request adds n to the demand and emits buffered messages.
func (ss *sourceSubscription) Request(n int64) {
	ss.mu.Lock()
	if ss.cancelled || ss.terminated {
		ss.mu.Unlock()
		return
	}
	var reg bus.Registration
	if n <= 0 {
		if ss.failure == nil {
			ss.failure = stream.ErrNonPositiveRequest("connector/source", n)
			reg = ss.reg
		}
	} else {
		ss.demand = stream.AddDemand(ss.demand, n)
	}
	ss.mu.Unlock()
	if reg != nil {
		_ = reg.Unregister()
	}
	ss.drain()
}

// Cancel runs after the listener was released: it discards buffered messages and frees the source slot.
func (ss *sourceSubscription) Cancel() {
	ss.mu.Lock()
	if ss.cancelled {
		ss.mu.Unlock()
		return
	}
	ss.cancelled = true
	discarded := len(ss.buffer)
	ss.buffer = nil
	ss.mu.Unlock()
	ss.source.metrics.addBuffered(ss.source.cfg.Channel(), -discarded)
	ss.source.release(ss)
}

func (ss *sourceSubscription) watch(reg bus.Registration) {
	<-reg.Done()
	ss.mu.Lock()
	ss.closed = true
	ss.mu.Unlock()
	ss.drain()
}

// drain emits while demand and buffered messages are available, then delivers a pending terminal signal.
// Only one goroutine drains at a time; others leave their work to it.
func (ss *sourceSubscription) drain() {
	cfg := ss.source.cfg
	ss.mu.Lock()
	if ss.emitting || !ss.ready || ss.terminated {
		ss.mu.Unlock()
		return
	}
	ss.emitting = true
	for {
		switch {
		case ss.cancelled:
			ss.emitting = false
			ss.mu.Unlock()
			return
		case ss.failure != nil:
			err := ss.failure
			ss.terminated = true
			ss.emitting = false
			ss.mu.Unlock()
			ss.source.release(ss)
			ss.subscriber.OnError(err)
			return
		case ss.demand > 0 && len(ss.buffer) > 0:
			msg := ss.buffer[0]
			ss.buffer[0] = nil
			ss.buffer = ss.buffer[1:]
			if ss.demand != stream.Unbounded {
				ss.demand--
			}
			ss.mu.Unlock()
			ss.source.metrics.addBuffered(cfg.Channel(), -1)
			ss.subscriber.OnNext(msg)
			ss.mu.Lock()
		case ss.closed && len(ss.buffer) == 0:
			ss.terminated = true
			ss.emitting = false
			ss.mu.Unlock()
			ss.source.release(ss)
			ss.subscriber.OnComplete()
			return
		default:
			ss.emitting = false
			ss.mu.Unlock()
			return
		}
	}
}
