// Package bus defines the push-based message bus consumed by busbridge connectors and provides an in-memory
// implementation.
//
// A bus routes bodies to listeners registered on an address. Send delivers to exactly one listener chosen by the
// bus, Publish delivers to every listener, and Request delivers to one listener and correlates a single reply.
// The bus has no flow control towards producers: listeners are invoked whenever messages arrive.
package bus

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/busbridge/errs"
)

// Handler processes envelopes delivered to a registration. Handlers of one registration are invoked
// sequentially, in delivery order.
type Handler func(env *Envelope)

// ReplyHandler receives the outcome of a Request: either the reply envelope or an error.
type ReplyHandler func(reply *Envelope, err error)

// Bus is the set of primitives connectors rely on. Implementations are safe for concurrent use.
type Bus interface {
	// Send delivers body to one listener on address.
	Send(ctx context.Context, address string, body any, opts ...DeliveryOption) error
	// Publish delivers body to every listener on address.
	Publish(ctx context.Context, address string, body any, opts ...DeliveryOption) error
	// Request delivers body to one listener and invokes onReply exactly once, asynchronously, with the reply or
	// a failure. An error returned synchronously means onReply will not be called.
	Request(ctx context.Context, address string, body any, onReply ReplyHandler, opts ...DeliveryOption) error
	// Listen registers handler on address until the registration is released or ctx ends.
	Listen(ctx context.Context, address string, handler Handler) (Registration, error)
	// Codecs exposes the codec table used by named deliveries.
	Codecs() *CodecRegistry
	// Close releases every registration and fails pending requests.
	Close()
}

// Registration is a live listener on an address.
type Registration interface {
	ID() string
	Address() string
	// Done is closed once the registration stops receiving, whether released or closed with the bus.
	Done() <-chan struct{}
	// Unregister releases the listener. It is idempotent and safe to call from the handler.
	Unregister() error
}

// Replier answers envelopes that carry a reply address. Each transport supplies its own.
type Replier interface {
	Reply(ctx context.Context, replyAddress string, body any, opts ...DeliveryOption) error
	Fail(ctx context.Context, replyAddress string, failure *ReplyFailure) error
}

// Envelope is one bus delivery as seen by a listener.
type Envelope struct {
	Address      string
	ReplyAddress string
	Headers      map[string]string
	Body         any
	Codec        string

	replier Replier
}

// NewEnvelope builds an envelope bound to replier for answering requests.
func NewEnvelope(address, replyAddress string, body any, headers map[string]string, codec string, replier Replier) *Envelope {
	return &Envelope{
		Address:      address,
		ReplyAddress: replyAddress,
		Headers:      headers,
		Body:         body,
		Codec:        codec,
		replier:      replier,
	}
}

// ExpectsReply reports whether the sender is waiting for a reply.
func (e *Envelope) ExpectsReply() bool {
	return e != nil && e.ReplyAddress != ""
}

// Reply sends body back to the requester. Each call sends a new reply; once the requester has stopped
// listening the call fails with errs.CodeUnavailable.
func (e *Envelope) Reply(ctx context.Context, body any, opts ...DeliveryOption) error {
	if !e.ExpectsReply() || e.replier == nil {
		return errs.New("bus/reply", errs.CodeInvalid,
			errs.WithAddress(e.address()),
			errs.WithMessage("envelope does not expect a reply"))
	}
	return e.replier.Reply(ctx, e.ReplyAddress, body, opts...)
}

// Fail answers the requester with a negative reply.
func (e *Envelope) Fail(ctx context.Context, code int, reason string) error {
	if !e.ExpectsReply() || e.replier == nil {
		return errs.New("bus/fail", errs.CodeInvalid,
			errs.WithAddress(e.address()),
			errs.WithMessage("envelope does not expect a reply"))
	}
	return e.replier.Fail(ctx, e.ReplyAddress, &ReplyFailure{Code: code, Reason: reason, Address: e.Address})
}

func (e *Envelope) address() string {
	if e == nil {
		return ""
	}
	return e.Address
}

// ReplyFailure is the negative reply a listener sends through Envelope.Fail.
type ReplyFailure struct {
	Code    int
	Reason  string
	Address string
}

func (f *ReplyFailure) Error() string {
	var b strings.Builder
	b.WriteString("reply failure code=")
	b.WriteString(strconv.Itoa(f.Code))
	if f.Address != "" {
		b.WriteString(" address=")
		b.WriteString(strconv.Quote(f.Address))
	}
	if f.Reason != "" {
		b.WriteString(" reason=")
		b.WriteString(strconv.Quote(f.Reason))
	}
	return b.String()
}

// DeliveryOptions tune a single Send, Publish, Request or Reply.
type DeliveryOptions struct {
	Codec   string
	Timeout time.Duration
	Headers map[string]string
}

// DeliveryOption mutates DeliveryOptions.
type DeliveryOption func(*DeliveryOptions)

// WithCodec selects a registered codec by name.
func WithCodec(name string) DeliveryOption {
	trimmed := strings.TrimSpace(name)
	return func(o *DeliveryOptions) {
		o.Codec = trimmed
	}
}

// WithTimeout bounds how long a Request waits for its reply.
func WithTimeout(d time.Duration) DeliveryOption {
	return func(o *DeliveryOptions) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithHeaders merges headers into the delivery.
func WithHeaders(headers map[string]string) DeliveryOption {
	return func(o *DeliveryOptions) {
		if len(headers) == 0 {
			return
		}
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(headers))
		}
		maps.Copy(o.Headers, headers)
	}
}

// ApplyOptions folds opts into a DeliveryOptions value.
func ApplyOptions(opts ...DeliveryOption) DeliveryOptions {
	var o DeliveryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ValidateAddress trims address and rejects blanks.
func ValidateAddress(op, address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", errs.New(op, errs.CodeInvalid, errs.WithMessage("address required"))
	}
	return trimmed, nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	return maps.Clone(h)
}

func unavailable(op, address, message string) error {
	return errs.New(op, errs.CodeUnavailable, errs.WithAddress(address), errs.WithMessage(message))
}

func contextError(op, address string, err error) error {
	return errs.New(op, errs.CodeUnavailable,
		errs.WithAddress(address),
		errs.WithMessage("context done"),
		errs.WithCause(fmt.Errorf("%s context: %w", op, err)))
}
