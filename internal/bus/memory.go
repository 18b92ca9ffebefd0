package bus

import (
	"context"
	"errors"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/telemetry"
)

const (
	transportMemory = "memory"
	replyPrefix     = "__busbridge.reply."
)

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// BufferSize bounds each registration queue. Senders wait while a queue is full.
	BufferSize int
	// FanoutWorkers caps concurrent deliveries during Publish.
	FanoutWorkers int
	// ReplyTimeout applies to requests that carry no WithTimeout option.
	ReplyTimeout time.Duration
	Logger       *log.Logger
	Codecs       *CodecRegistry
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "bus ", log.LstdFlags|log.Lmicroseconds)
	}
	if c.Codecs == nil {
		c.Codecs = NewCodecRegistry()
	}
	return c
}

// MemoryBus is an in-process Bus. Every registration owns a bounded queue drained by one goroutine, so a
// listener sees envelopes one at a time in the order they were enqueued.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	listeners    map[string]*listenerGroup
	pending      map[string]*pendingReply
	shutdownOnce sync.Once

	sentCounter      metric.Int64Counter
	publishedCounter metric.Int64Counter
	requestCounter   metric.Int64Counter
	replyFailures    metric.Int64Counter
	listenerGauge    metric.Int64UpDownCounter
	deliveryDuration metric.Float64Histogram
	requestDuration  metric.Float64Histogram
}

type listenerGroup struct {
	regs   []*memoryRegistration
	cursor int
}

type memoryRegistration struct {
	id      string
	address string
	bus     *MemoryBus
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *Envelope
	done   chan struct{}
}

type replyResult struct {
	reply *Envelope
	err   error
}

type pendingReply struct {
	address string
	ch      chan replyResult
}

// NewMemoryBus constructs an in-memory bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(MemoryBus)
	b.cfg = cfg
	b.logger = cfg.Logger
	b.ctx = ctx
	b.cancel = cancel
	b.listeners = make(map[string]*listenerGroup)
	b.pending = make(map[string]*pendingReply)

	meter := otel.Meter("busbridge/bus")
	b.sentCounter, _ = meter.Int64Counter("bus.messages.sent",
		metric.WithDescription("Number of point-to-point deliveries"),
		metric.WithUnit("{message}"))
	b.publishedCounter, _ = meter.Int64Counter("bus.messages.published",
		metric.WithDescription("Number of broadcast deliveries"),
		metric.WithUnit("{message}"))
	b.requestCounter, _ = meter.Int64Counter("bus.requests",
		metric.WithDescription("Number of completed request/reply exchanges by result"),
		metric.WithUnit("{request}"))
	b.replyFailures, _ = meter.Int64Counter("bus.reply.failures",
		metric.WithDescription("Number of requests that ended without a positive reply"),
		metric.WithUnit("{request}"))
	b.listenerGauge, _ = meter.Int64UpDownCounter("bus.listeners",
		metric.WithDescription("Number of live listener registrations"),
		metric.WithUnit("{listener}"))
	b.deliveryDuration, _ = meter.Float64Histogram("bus.delivery.duration",
		metric.WithDescription("Latency of handing a delivery to listener queues"),
		metric.WithUnit("ms"))
	b.requestDuration, _ = meter.Float64Histogram("bus.request.duration",
		metric.WithDescription("Request/reply round trip"),
		metric.WithUnit("ms"))

	return b
}

// Codecs returns the registry used for named deliveries.
func (b *MemoryBus) Codecs() *CodecRegistry {
	return b.cfg.Codecs
}

// Listen registers handler on address.
func (b *MemoryBus) Listen(ctx context.Context, address string, handler Handler) (Registration, error) {
	addr, err := ValidateAddress("bus/listen", address)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errs.New("bus/listen", errs.CodeInvalid, errs.WithAddress(addr), errs.WithMessage("handler required"))
	}
	if b.ctx.Err() != nil {
		return nil, unavailable("bus/listen", addr, "bus closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	regCtx, cancel := context.WithCancel(ctx)

	reg := &memoryRegistration{
		id:      uuid.NewString(),
		address: addr,
		bus:     b,
		handler: handler,
		ctx:     regCtx,
		cancel:  cancel,
		queue:   make(chan *Envelope, b.cfg.BufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		cancel()
		return nil, unavailable("bus/listen", addr, "bus closed")
	}
	group, ok := b.listeners[addr]
	if !ok {
		group = new(listenerGroup)
		b.listeners[addr] = group
	}
	group.regs = append(group.regs, reg)
	b.mu.Unlock()

	b.listenerGauge.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.AddressAttributes(transportMemory, addr)...))

	go reg.run()
	return reg, nil
}

// Send delivers body to one listener on address, rotating across listeners.
func (b *MemoryBus) Send(ctx context.Context, address string, body any, opts ...DeliveryOption) error {
	const op = "bus/send"
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := ValidateAddress(op, address)
	if err != nil {
		return err
	}
	o := ApplyOptions(opts...)
	start := time.Now()
	result := "success"
	defer func() {
		attrs := metric.WithAttributes(telemetry.DeliveryAttributes(transportMemory, addr, telemetry.ModeSend, result)...)
		b.sentCounter.Add(ctx, 1, attrs)
		b.deliveryDuration.Record(ctx, msSince(start), attrs)
	}()

	payload, err := b.transform(op, addr, body, o.Codec)
	if err != nil {
		result = "codec_error"
		return err
	}
	env := NewEnvelope(addr, "", payload, copyHeaders(o.Headers), o.Codec, b)
	if err := b.deliverOne(ctx, op, env); err != nil {
		result = string(errs.CodeOf(err))
		return err
	}
	return nil
}

// Publish delivers body to every listener on address. Publishing to an address without listeners succeeds.
func (b *MemoryBus) Publish(ctx context.Context, address string, body any, opts ...DeliveryOption) error {
	const op = "bus/publish"
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := ValidateAddress(op, address)
	if err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return unavailable(op, addr, "bus closed")
	}
	o := ApplyOptions(opts...)
	start := time.Now()
	result := "success"
	defer func() {
		attrs := metric.WithAttributes(telemetry.DeliveryAttributes(transportMemory, addr, telemetry.ModePublish, result)...)
		b.publishedCounter.Add(ctx, 1, attrs)
		b.deliveryDuration.Record(ctx, msSince(start), attrs)
	}()

	b.mu.Lock()
	var regs []*memoryRegistration
	if group := b.listeners[addr]; group != nil {
		regs = slices.Clone(group.regs)
	}
	b.mu.Unlock()

	if len(regs) == 0 {
		result = "no_listeners"
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	errCh := make(chan error, len(regs))
	for _, reg := range regs {
		p.Go(func() {
			payload, err := b.transform(op, addr, body, o.Codec)
			if err != nil {
				errCh <- err
				return
			}
			env := NewEnvelope(addr, "", payload, copyHeaders(o.Headers), o.Codec, b)
			if err := b.enqueue(ctx, op, reg, env); err != nil && !errors.Is(err, errRegistrationGone) {
				errCh <- err
			}
		})
	}
	p.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			result = string(errs.CodeOf(err))
			return err
		}
	}
	return nil
}

// Request delivers body to one listener and waits, on a bus goroutine, for the correlated reply.
func (b *MemoryBus) Request(ctx context.Context, address string, body any, onReply ReplyHandler, opts ...DeliveryOption) error {
	const op = "bus/request"
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := ValidateAddress(op, address)
	if err != nil {
		return err
	}
	if onReply == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithAddress(addr), errs.WithMessage("reply handler required"))
	}
	o := ApplyOptions(opts...)
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = b.cfg.ReplyTimeout
	}

	payload, err := b.transform(op, addr, body, o.Codec)
	if err != nil {
		b.countRequest(ctx, addr, "codec_error")
		return err
	}

	replyAddress := replyPrefix + uuid.NewString()
	pending := &pendingReply{address: addr, ch: make(chan replyResult, 1)}
	b.mu.Lock()
	b.pending[replyAddress] = pending
	b.mu.Unlock()

	env := NewEnvelope(addr, replyAddress, payload, copyHeaders(o.Headers), o.Codec, b)
	if err := b.deliverOne(ctx, op, env); err != nil {
		b.claimPending(replyAddress)
		b.countRequest(ctx, addr, string(errs.CodeOf(err)))
		return err
	}

	go b.awaitReply(ctx, replyAddress, pending, timeout, onReply)
	return nil
}

// Reply completes the request waiting on replyAddress.
func (b *MemoryBus) Reply(ctx context.Context, replyAddress string, body any, opts ...DeliveryOption) error {
	const op = "bus/reply"
	pending := b.claimPending(replyAddress)
	if pending == nil {
		return unavailable(op, replyAddress, "no request awaiting this reply")
	}
	o := ApplyOptions(opts...)
	payload, err := b.transform(op, replyAddress, body, o.Codec)
	if err != nil {
		pending.ch <- replyResult{err: err}
		return err
	}
	reply := NewEnvelope(replyAddress, "", payload, copyHeaders(o.Headers), o.Codec, nil)
	pending.ch <- replyResult{reply: reply}
	return nil
}

// Fail completes the request waiting on replyAddress with a negative reply.
func (b *MemoryBus) Fail(ctx context.Context, replyAddress string, failure *ReplyFailure) error {
	pending := b.claimPending(replyAddress)
	if pending == nil {
		return unavailable("bus/fail", replyAddress, "no request awaiting this reply")
	}
	if failure == nil {
		failure = &ReplyFailure{Address: pending.address}
	}
	pending.ch <- replyResult{err: rejected(pending.address, failure)}
	return nil
}

// Close releases every registration and fails pending requests.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		var regs []*memoryRegistration
		for addr, group := range b.listeners {
			regs = append(regs, group.regs...)
			delete(b.listeners, addr)
		}
		b.mu.Unlock()
		for _, reg := range regs {
			reg.cancel()
			b.listenerGauge.Add(context.Background(), -1,
				metric.WithAttributes(telemetry.AddressAttributes(transportMemory, reg.address)...))
		}
	})
}

var errRegistrationGone = errors.New("registration released")

// deliverOne hands env to the next listener in rotation, skipping registrations released concurrently.
func (b *MemoryBus) deliverOne(ctx context.Context, op string, env *Envelope) error {
	if b.ctx.Err() != nil {
		return unavailable(op, env.Address, "bus closed")
	}
	b.mu.Lock()
	attempts := 0
	if group := b.listeners[env.Address]; group != nil {
		attempts = len(group.regs)
	}
	b.mu.Unlock()

	for range attempts {
		reg := b.next(env.Address)
		if reg == nil {
			break
		}
		err := b.enqueue(ctx, op, reg, env)
		if errors.Is(err, errRegistrationGone) {
			continue
		}
		return err
	}
	return unavailable(op, env.Address, "no listener registered")
}

func (b *MemoryBus) next(address string) *memoryRegistration {
	b.mu.Lock()
	defer b.mu.Unlock()
	group := b.listeners[address]
	if group == nil || len(group.regs) == 0 {
		return nil
	}
	reg := group.regs[group.cursor%len(group.regs)]
	group.cursor = (group.cursor + 1) % len(group.regs)
	return reg
}

func (b *MemoryBus) enqueue(ctx context.Context, op string, reg *memoryRegistration, env *Envelope) error {
	if reg.ctx.Err() != nil {
		return errRegistrationGone
	}
	select {
	case <-b.ctx.Done():
		return unavailable(op, env.Address, "bus closed")
	case <-ctx.Done():
		return contextError(op, env.Address, ctx.Err())
	case <-reg.ctx.Done():
		return errRegistrationGone
	case reg.queue <- env:
		return nil
	}
}

func (b *MemoryBus) awaitReply(ctx context.Context, replyAddress string, pending *pendingReply, timeout time.Duration, onReply ReplyHandler) {
	const op = "bus/request"
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res replyResult
	select {
	case res = <-pending.ch:
	case <-timer.C:
		res = b.abandon(replyAddress, pending, errs.New(op, errs.CodeTimeout,
			errs.WithAddress(pending.address),
			errs.WithMessage("no reply received"),
			errs.WithField("timeout", timeout.String())))
	case <-ctx.Done():
		res = b.abandon(replyAddress, pending, contextError(op, pending.address, ctx.Err()))
	case <-b.ctx.Done():
		res = b.abandon(replyAddress, pending, unavailable(op, pending.address, "bus closed"))
	}

	result := "success"
	if res.err != nil {
		result = string(errs.CodeOf(res.err))
		if result == "" {
			result = "error"
		}
		b.replyFailures.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.ErrorAttributes(transportMemory, pending.address, result)...))
	}
	b.countRequest(context.Background(), pending.address, result)
	b.requestDuration.Record(context.Background(), msSince(start),
		metric.WithAttributes(telemetry.DeliveryAttributes(transportMemory, pending.address, telemetry.ModeReply, result)...))

	onReply(res.reply, res.err)
}

// abandon removes the pending entry. When a replier claimed it first, that reply wins.
func (b *MemoryBus) abandon(replyAddress string, pending *pendingReply, cause error) replyResult {
	if b.claimPending(replyAddress) != nil {
		return replyResult{err: cause}
	}
	return <-pending.ch
}

func (b *MemoryBus) claimPending(replyAddress string) *pendingReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.pending[replyAddress]
	if !ok {
		return nil
	}
	delete(b.pending, replyAddress)
	return pending
}

func (b *MemoryBus) countRequest(ctx context.Context, address, result string) {
	b.requestCounter.Add(ctx, 1,
		metric.WithAttributes(telemetry.DeliveryAttributes(transportMemory, address, telemetry.ModeRequest, result)...))
}

func (b *MemoryBus) transform(op, address string, body any, codecName string) (any, error) {
	if codecName == "" {
		return body, nil
	}
	codec, err := b.cfg.Codecs.Resolve(codecName)
	if err != nil {
		return nil, err
	}
	out, err := codec.Transform(body)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithAddress(address),
			errs.WithMessage("codec transform failed"),
			errs.WithField("codec", codecName),
			errs.WithCause(err))
	}
	return out, nil
}

func (b *MemoryBus) remove(reg *memoryRegistration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	group := b.listeners[reg.address]
	if group == nil {
		return false
	}
	idx := slices.Index(group.regs, reg)
	if idx < 0 {
		return false
	}
	group.regs = slices.Delete(group.regs, idx, idx+1)
	if len(group.regs) == 0 {
		delete(b.listeners, reg.address)
	} else {
		group.cursor %= len(group.regs)
	}
	return true
}

func (r *memoryRegistration) ID() string            { return r.id }
func (r *memoryRegistration) Address() string       { return r.address }
func (r *memoryRegistration) Done() <-chan struct{} { return r.done }

func (r *memoryRegistration) Unregister() error {
	r.cancel()
	r.release()
	return nil
}

func (r *memoryRegistration) release() {
	if r.bus.remove(r) {
		r.bus.listenerGauge.Add(context.Background(), -1,
			metric.WithAttributes(telemetry.AddressAttributes(transportMemory, r.address)...))
	}
}

func (r *memoryRegistration) run() {
	defer close(r.done)
	defer r.release()
	for {
		select {
		case <-r.ctx.Done():
			return
		case env := <-r.queue:
			if r.ctx.Err() != nil {
				return
			}
			r.invoke(env)
		}
	}
}

func (r *memoryRegistration) invoke(env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.bus.logger.Printf("bus: listener panic recovered address=%s registration=%s panic=%v", r.address, r.id, rec)
		}
	}()
	r.handler(env)
}

func rejected(address string, failure *ReplyFailure) error {
	return errs.New("bus/request", errs.CodeRejected,
		errs.WithAddress(address),
		errs.WithMessage(failure.Reason),
		errs.WithCause(failure))
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
