// Package natsbus implements bus.Bus over NATS core subjects.
//
// Each address maps to two subjects: <prefix>.pub.<address> receives publishes on a plain subscription of every
// listener, and <prefix>.send.<address> receives sends and requests on a queue subscription so the server picks
// one listener. Replies travel on per-request inboxes.
package natsbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
)

// Bus is a bus.Bus backed by a NATS connection.
type Bus struct {
	cfg    Config
	conn   *nats.Conn
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	regs      map[string]*registration
	closeOnce sync.Once
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials the NATS server, retrying with exponential backoff up to cfg.MaxConnectAttempts times.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	cfg = cfg.normalize()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = cfg.MaxBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxConnectAttempts; attempt++ {
		conn, err := nats.Connect(cfg.URL,
			nats.Name("busbridge"),
			nats.Timeout(cfg.ConnectTimeout),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Printf("natsbus: disconnected url=%s err=%v", cfg.URL, err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Printf("natsbus: reconnected url=%s", c.ConnectedUrl())
			}),
		)
		if err == nil {
			logger.Printf("natsbus: connected url=%s prefix=%s", conn.ConnectedUrl(), cfg.SubjectPrefix)
			return newBus(conn, cfg), nil
		}
		lastErr = err
		logger.Printf("natsbus: connect failed url=%s attempt=%d/%d err=%v", cfg.URL, attempt, cfg.MaxConnectAttempts, err)
		if attempt == cfg.MaxConnectAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = cfg.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, errs.New("natsbus/connect", errs.CodeUnavailable,
				errs.WithMessage("connect cancelled"),
				errs.WithCause(fmt.Errorf("connect context: %w", ctx.Err())))
		case <-time.After(sleep):
		}
	}
	return nil, errs.New("natsbus/connect", errs.CodeUnavailable,
		errs.WithMessage("nats server unreachable"),
		errs.WithField("url", cfg.URL),
		errs.WithCause(lastErr))
}

// New wraps an established connection. Close drains the connection.
func New(conn *nats.Conn, cfg Config) *Bus {
	return newBus(conn, cfg.normalize())
}

func newBus(conn *nats.Conn, cfg Config) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:    cfg,
		conn:   conn,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		regs:   make(map[string]*registration),
	}
}

// Codecs returns the registry used to encode bodies on the wire.
func (b *Bus) Codecs() *bus.CodecRegistry {
	return b.cfg.Codecs
}

// Send publishes body on the address queue subject. NATS offers no delivery receipt, so sending to an address
// without listeners succeeds silently.
func (b *Bus) Send(ctx context.Context, address string, body any, opts ...bus.DeliveryOption) error {
	return b.emit("natsbus/send", address, body, b.cfg.sendSubject, opts)
}

// Publish broadcasts body to every listener on address.
func (b *Bus) Publish(ctx context.Context, address string, body any, opts ...bus.DeliveryOption) error {
	return b.emit("natsbus/publish", address, body, b.cfg.publishSubject, opts)
}

func (b *Bus) emit(op, address string, body any, subject func(string) string, opts []bus.DeliveryOption) error {
	addr, err := bus.ValidateAddress(op, address)
	if err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithMessage("bus closed"))
	}
	msg, err := encode(b.cfg.Codecs, subject(addr), addr, body, bus.ApplyOptions(opts...))
	if err != nil {
		return err
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithCause(err))
	}
	return nil
}

// Request sends body to one listener and waits for the reply on a private inbox. The absence of listeners is
// reported to onReply by the server's no-responders status.
func (b *Bus) Request(ctx context.Context, address string, body any, onReply bus.ReplyHandler, opts ...bus.DeliveryOption) error {
	const op = "natsbus/request"
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := bus.ValidateAddress(op, address)
	if err != nil {
		return err
	}
	if onReply == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithAddress(addr), errs.WithMessage("reply handler required"))
	}
	if b.ctx.Err() != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithMessage("bus closed"))
	}
	o := bus.ApplyOptions(opts...)
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = b.cfg.ReplyTimeout
	}
	msg, err := encode(b.cfg.Codecs, b.cfg.sendSubject(addr), addr, body, o)
	if err != nil {
		return err
	}

	inbox := nats.NewInbox()
	replies := make(chan *nats.Msg, 1)
	sub, err := b.conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithCause(err))
	}
	_ = sub.AutoUnsubscribe(1)
	msg.Reply = inbox
	if err := b.conn.PublishMsg(msg); err != nil {
		_ = sub.Unsubscribe()
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithCause(err))
	}

	go b.awaitReply(ctx, addr, sub, replies, timeout, onReply)
	return nil
}

func (b *Bus) awaitReply(ctx context.Context, address string, sub *nats.Subscription, replies <-chan *nats.Msg, timeout time.Duration, onReply bus.ReplyHandler) {
	const op = "natsbus/request"
	defer func() { _ = sub.Unsubscribe() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replies:
		onReply(b.replyFrom(address, msg))
	case <-timer.C:
		onReply(nil, errs.New(op, errs.CodeTimeout,
			errs.WithAddress(address),
			errs.WithMessage("no reply received"),
			errs.WithField("timeout", timeout.String())))
	case <-ctx.Done():
		onReply(nil, errs.New(op, errs.CodeUnavailable,
			errs.WithAddress(address),
			errs.WithMessage("context done"),
			errs.WithCause(fmt.Errorf("request context: %w", ctx.Err()))))
	case <-b.ctx.Done():
		onReply(nil, errs.New(op, errs.CodeUnavailable, errs.WithAddress(address), errs.WithMessage("bus closed")))
	}
}

func (b *Bus) replyFrom(address string, msg *nats.Msg) (*bus.Envelope, error) {
	const op = "natsbus/request"
	if noResponders(msg) {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithAddress(address), errs.WithMessage("no listener registered"))
	}
	if failure, ok := failureFrom(msg); ok {
		return nil, errs.New(op, errs.CodeRejected,
			errs.WithAddress(address),
			errs.WithMessage(failure.Reason),
			errs.WithCause(failure))
	}
	body, codec, headers, err := decode(b.cfg.Codecs, msg)
	if err != nil {
		return nil, err
	}
	return bus.NewEnvelope(msg.Subject, "", body, headers, codec, nil), nil
}

// Reply publishes body on the requester's inbox.
func (b *Bus) Reply(ctx context.Context, replyAddress string, body any, opts ...bus.DeliveryOption) error {
	const op = "natsbus/reply"
	if replyAddress == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("reply address required"))
	}
	msg, err := encode(b.cfg.Codecs, replyAddress, replyAddress, body, bus.ApplyOptions(opts...))
	if err != nil {
		return err
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(replyAddress), errs.WithCause(err))
	}
	return nil
}

// Fail publishes a negative reply on the requester's inbox.
func (b *Bus) Fail(ctx context.Context, replyAddress string, failure *bus.ReplyFailure) error {
	const op = "natsbus/fail"
	if replyAddress == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("reply address required"))
	}
	if failure == nil {
		failure = &bus.ReplyFailure{}
	}
	if err := b.conn.PublishMsg(failureMsg(replyAddress, failure)); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithAddress(replyAddress), errs.WithCause(err))
	}
	return nil
}

// Listen subscribes handler to publishes and to the load-shared send queue of address.
func (b *Bus) Listen(ctx context.Context, address string, handler bus.Handler) (bus.Registration, error) {
	const op = "natsbus/listen"
	addr, err := bus.ValidateAddress(op, address)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithAddress(addr), errs.WithMessage("handler required"))
	}
	if b.ctx.Err() != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	reg := &registration{
		id:      uuid.NewString(),
		address: addr,
		bus:     b,
		handler: handler,
		done:    make(chan struct{}),
	}
	pubSub, err := b.conn.Subscribe(b.cfg.publishSubject(addr), reg.onMsg)
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithCause(err))
	}
	sendSub, err := b.conn.QueueSubscribe(b.cfg.sendSubject(addr), b.cfg.queueGroup(addr), reg.onMsg)
	if err != nil {
		_ = pubSub.Unsubscribe()
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithAddress(addr), errs.WithCause(err))
	}
	reg.subs = []*nats.Subscription{pubSub, sendSub}
	// Make sure the server knows the interest before the caller starts sending.
	if err := b.conn.Flush(); err != nil {
		b.logger.Printf("natsbus: flush after subscribe failed address=%s err=%v", addr, err)
	}

	b.mu.Lock()
	b.regs[reg.id] = reg
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = reg.Unregister()
		case <-b.ctx.Done():
			reg.release()
		case <-reg.done:
		}
	}()
	return reg, nil
}

// Close releases every registration and drains the connection.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		regs := make([]*registration, 0, len(b.regs))
		for _, reg := range b.regs {
			regs = append(regs, reg)
		}
		b.mu.Unlock()
		for _, reg := range regs {
			reg.release()
		}
		if err := b.conn.Drain(); err != nil {
			b.logger.Printf("natsbus: drain failed err=%v", err)
			b.conn.Close()
		}
	})
}

type registration struct {
	id      string
	address string
	bus     *Bus
	handler bus.Handler
	subs    []*nats.Subscription

	// NATS runs one callback goroutine per subscription; mu keeps handler calls sequential across both.
	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func (r *registration) ID() string            { return r.id }
func (r *registration) Address() string       { return r.address }
func (r *registration) Done() <-chan struct{} { return r.done }

func (r *registration) Unregister() error {
	var err error
	r.once.Do(func() {
		for _, sub := range r.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && err == nil && r.bus.ctx.Err() == nil {
				err = errs.New("natsbus/unregister", errs.CodeUnavailable, errs.WithAddress(r.address), errs.WithCause(uerr))
			}
		}
		r.finish()
	})
	return err
}

// release marks the registration done without touching the subscriptions, which the connection drain removes.
func (r *registration) release() {
	r.once.Do(r.finish)
}

func (r *registration) finish() {
	r.bus.mu.Lock()
	delete(r.bus.regs, r.id)
	r.bus.mu.Unlock()
	close(r.done)
}

func (r *registration) onMsg(msg *nats.Msg) {
	select {
	case <-r.done:
		return
	default:
	}
	body, codec, headers, err := decode(r.bus.cfg.Codecs, msg)
	if err != nil {
		r.bus.logger.Printf("natsbus: dropping undecodable message address=%s subject=%s err=%v", r.address, msg.Subject, err)
		if msg.Reply != "" {
			_ = r.bus.Fail(context.Background(), msg.Reply, &bus.ReplyFailure{Code: -1, Reason: err.Error(), Address: r.address})
		}
		return
	}
	env := bus.NewEnvelope(r.address, msg.Reply, body, headers, codec, r.bus)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			r.bus.logger.Printf("natsbus: listener panic recovered address=%s registration=%s panic=%v", r.address, r.id, rec)
		}
	}()
	r.handler(env)
}
