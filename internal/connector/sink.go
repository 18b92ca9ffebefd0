package connector

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
	"github.com/coachpo/busbridge/internal/stream"
)

type sinkState int

const (
	sinkIdle sinkState = iota
	sinkAwaitingReply
)

// SinkOption customises a Sink.
type SinkOption func(*Sink)

// WithSinkLogger overrides the sink logger.
func WithSinkLogger(logger *log.Logger) SinkOption {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSinkMetrics records sink activity on m.
func WithSinkMetrics(m *Metrics) SinkOption {
	return func(s *Sink) {
		s.metrics = m
	}
}

// WithSinkCodec supplies the codec named by the channel configuration. It is registered on the bus when no codec
// of that name is known yet.
func WithSinkCodec(codec bus.Codec) SinkOption {
	return func(s *Sink) {
		s.codec = codec
	}
}

// Sink forwards a stream of messages to the bus. It keeps at most one item requested from upstream, and in
// expect-reply mode it requests the next item only after the reply to the previous one arrived.
type Sink struct {
	bus     bus.Bus
	cfg     Config
	logger  *log.Logger
	metrics *Metrics
	codec   bus.Codec
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	upstream   stream.Subscription
	state      sinkState
	completing bool
	terminated bool
	err        error
	throttle   *time.Timer
	done       chan struct{}
}

var _ stream.Subscriber[*Message] = (*Sink)(nil)

// NewSink validates cfg and prepares a sink bound to b. Nothing is sent until the sink is subscribed.
func NewSink(b bus.Bus, cfg Config, opts ...SinkOption) (*Sink, error) {
	const op = "connector/sink"
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		bus:    b,
		cfg:    cfg,
		logger: log.New(os.Stderr, "connector ", log.LstdFlags|log.Lmicroseconds),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.ensureCodec(); err != nil {
		cancel()
		return nil, err
	}
	if cfg.Throttle() > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Throttle()), cfg.ThrottleBurst())
	}
	return s, nil
}

func (s *Sink) ensureCodec() error {
	name := s.cfg.Codec()
	if name == "" {
		return nil
	}
	registry := s.bus.Codecs()
	if _, err := registry.Resolve(name); err == nil {
		return nil
	}
	if s.codec != nil && s.codec.Name() == name {
		if err := registry.Register(s.codec); err != nil && !errs.Is(err, errs.CodeInvalid) {
			return err
		}
	}
	if _, err := registry.Resolve(name); err != nil {
		return errs.New("connector/sink", errs.CodeInvalid,
			errs.WithAddress(s.cfg.Address()),
			errs.WithMessage(fmt.Sprintf("codec %q is not registered", name)),
			errs.WithCause(err))
	}
	return nil
}

// Config returns the sink configuration.
func (s *Sink) Config() Config { return s.cfg }

// OnSubscribe stores the upstream subscription and requests the first item. A sink accepts one subscription in
// its lifetime; later ones are cancelled.
func (s *Sink) OnSubscribe(sub stream.Subscription) {
	s.mu.Lock()
	if s.upstream != nil || s.terminated {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.upstream = sub
	s.mu.Unlock()
	sub.Request(1)
}

// OnNext forwards msg to the bus.
func (s *Sink) OnNext(msg *Message) {
	const op = "connector/sink"
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	if s.state == sinkAwaitingReply {
		s.mu.Unlock()
		s.fail(errs.New(op, errs.CodeUsage,
			errs.WithAddress(s.cfg.Address()),
			errs.WithMessage("item received while a reply is pending")))
		return
	}
	if msg == nil || msg.Payload == nil {
		s.mu.Unlock()
		s.fail(errs.New(op, errs.CodeUsage,
			errs.WithAddress(s.cfg.Address()),
			errs.WithMessage("message without payload")))
		return
	}
	if s.cfg.ExpectReply() {
		s.state = sinkAwaitingReply
	}
	s.mu.Unlock()

	opts := s.deliveryOptions(msg)
	switch {
	case s.cfg.ExpectReply():
		start := time.Now()
		err := s.bus.Request(s.ctx, s.cfg.Address(), msg.Payload, func(reply *bus.Envelope, err error) {
			s.onReply(msg, start, reply, err)
		}, opts...)
		if err != nil {
			s.metrics.observeReplyFailure(s.cfg.Channel())
			s.fail(err)
		}
	case s.cfg.Publish():
		if err := s.bus.Publish(s.ctx, s.cfg.Address(), msg.Payload, opts...); err != nil {
			s.fail(err)
			return
		}
		s.metrics.observeSent(s.cfg.Channel())
		s.requestNext()
	default:
		if err := s.bus.Send(s.ctx, s.cfg.Address(), msg.Payload, opts...); err != nil {
			s.fail(err)
			return
		}
		s.metrics.observeSent(s.cfg.Channel())
		s.requestNext()
	}
}

func (s *Sink) deliveryOptions(msg *Message) []bus.DeliveryOption {
	opts := make([]bus.DeliveryOption, 0, 3)
	if s.cfg.Codec() != "" {
		opts = append(opts, bus.WithCodec(s.cfg.Codec()))
	}
	if len(msg.Headers) > 0 {
		opts = append(opts, bus.WithHeaders(msg.Headers))
	}
	if s.cfg.ExpectReply() {
		timeout := msg.ReplyTimeout
		if timeout <= 0 {
			timeout = s.cfg.ReplyTimeout()
		}
		opts = append(opts, bus.WithTimeout(timeout))
	}
	return opts
}

func (s *Sink) onReply(msg *Message, start time.Time, reply *bus.Envelope, err error) {
	if err != nil {
		s.metrics.observeReplyFailure(s.cfg.Channel())
		s.fail(err)
		return
	}
	s.metrics.observeReply(s.cfg.Channel(), time.Since(start))
	s.metrics.observeSent(s.cfg.Channel())
	if msg.OnReply != nil && reply != nil {
		if cerr := msg.OnReply(s.ctx, inboundMessage(reply)); cerr != nil {
			s.fail(cerr)
			return
		}
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.state = sinkIdle
	if s.completing {
		s.finishLocked(nil)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.requestNext()
}

// requestNext asks upstream for one more item, after the throttle delay when one is configured.
func (s *Sink) requestNext() {
	if s.limiter != nil {
		if delay := s.limiter.Reserve().Delay(); delay > 0 {
			s.mu.Lock()
			if !s.terminated {
				s.throttle = time.AfterFunc(delay, s.requestOne)
			}
			s.mu.Unlock()
			return
		}
	}
	s.requestOne()
}

func (s *Sink) requestOne() {
	s.mu.Lock()
	up := s.upstream
	if s.terminated || up == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	up.Request(1)
}

// OnError terminates the sink with err. No further bus interaction happens.
func (s *Sink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.logger.Printf("connector: sink upstream failed channel=%s address=%s err=%v", s.cfg.Channel(), s.cfg.Address(), err)
	s.finishLocked(err)
}

// OnComplete terminates the sink normally once any pending reply has resolved.
func (s *Sink) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	if s.state == sinkAwaitingReply {
		s.completing = true
		return
	}
	s.finishLocked(nil)
}

// Close cancels upstream and terminates the sink normally. A pending reply is abandoned.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	up := s.upstream
	s.finishLocked(nil)
	s.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
}

func (s *Sink) fail(err error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	up := s.upstream
	s.finishLocked(err)
	s.mu.Unlock()
	s.logger.Printf("connector: sink failed channel=%s address=%s err=%v", s.cfg.Channel(), s.cfg.Address(), err)
	if up != nil {
		up.Cancel()
	}
}

func (s *Sink) finishLocked(err error) {
	s.terminated = true
	s.err = err
	if s.throttle != nil {
		s.throttle.Stop()
	}
	s.cancel()
	close(s.done)
}

// Done is closed once the sink has terminated.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, nil while running or after normal completion.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the sink terminates or ctx ends.
func (s *Sink) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("sink wait: %w", ctx.Err())
	}
}
