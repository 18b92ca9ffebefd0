// Package connector bridges the push-based bus to demand-driven streams.
//
// A Sink subscribes to a stream of outbound messages and forwards each payload to the bus, asking upstream for
// the next item only once the previous delivery is done. A Source publishes inbound bus messages to stream
// subscribers, buffering at most buffer-size messages while downstream demand is exhausted.
package connector

import (
	"context"
	"time"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
)

// ReplyFunc continues processing once the reply to an expect-reply message arrives. A returned error fails the
// sink.
type ReplyFunc func(ctx context.Context, reply *Message) error

// Message is the unit exchanged with streams. Outbound messages are built by the application; inbound messages
// are built by a Source and keep a handle on the bus delivery they came from.
type Message struct {
	Payload any
	Headers map[string]string
	// ReplyTimeout overrides the channel reply-timeout for this message.
	ReplyTimeout time.Duration
	// OnReply is invoked with the reply when the sink runs in expect-reply mode.
	OnReply ReplyFunc

	env *bus.Envelope
}

// NewMessage wraps payload in an outbound message.
func NewMessage(payload any) *Message {
	return &Message{Payload: payload}
}

func inboundMessage(env *bus.Envelope) *Message {
	return &Message{Payload: env.Body, Headers: env.Headers, env: env}
}

// Address is the bus address the message arrived on. Empty for outbound messages.
func (m *Message) Address() string {
	if m.env == nil {
		return ""
	}
	return m.env.Address
}

// ReplyAddress is the address the sender waits on for a reply.
func (m *Message) ReplyAddress() string {
	if m.env == nil {
		return ""
	}
	return m.env.ReplyAddress
}

// Codec names the codec the message was delivered with.
func (m *Message) Codec() string {
	if m.env == nil {
		return ""
	}
	return m.env.Codec
}

// ExpectsReply reports whether the sender waits for a reply.
func (m *Message) ExpectsReply() bool {
	return m.env.ExpectsReply()
}

// Reply answers the sender of an inbound message.
func (m *Message) Reply(ctx context.Context, payload any, opts ...bus.DeliveryOption) error {
	if m.env == nil {
		return errs.New("connector/reply", errs.CodeInvalid, errs.WithMessage("message did not arrive from the bus"))
	}
	return m.env.Reply(ctx, payload, opts...)
}

// Fail sends a negative reply to the sender of an inbound message.
func (m *Message) Fail(ctx context.Context, code int, reason string) error {
	if m.env == nil {
		return errs.New("connector/fail", errs.CodeInvalid, errs.WithMessage("message did not arrive from the bus"))
	}
	return m.env.Fail(ctx, code, reason)
}
