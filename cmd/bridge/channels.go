package main

import (
	"context"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/busbridge/internal/config"
	"github.com/coachpo/busbridge/internal/connector"
	"github.com/coachpo/busbridge/internal/stream"
)

const sinkDrainTimeout = 5 * time.Second

type tick struct {
	Channel string    `json:"channel"`
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
}

type ack struct {
	Channel string `json:"channel"`
	Seq     int64  `json:"seq"`
	Payload any    `json:"payload"`
}

// startProducers feeds each outgoing channel with ticks until ctx ends, then completes the stream and waits
// for the sink to flush.
func startProducers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, provider *connector.Provider, outgoing config.Channels, interval time.Duration) int {
	if interval <= 0 {
		interval = defaultProducerInterval
	}
	started := 0
	for _, name := range slices.Sorted(maps.Keys(outgoing)) {
		sink, ok := provider.LookupSink(name)
		if !ok {
			continue
		}
		items := make(chan *connector.Message, 1)
		stream.FromChannel(items).Subscribe(sink)
		lifecycle.Go(func() {
			produce(ctx, logger, name, sink, items, interval)
		})
		started++
	}
	return started
}

func produce(ctx context.Context, logger *log.Logger, channel string, sink *connector.Sink, items chan<- *connector.Message, interval time.Duration) {
	defer func() {
		close(items)
		waitCtx, cancel := context.WithTimeout(context.Background(), sinkDrainTimeout)
		defer cancel()
		if err := sink.Wait(waitCtx); err != nil {
			logger.Printf("producer: sink stopped channel=%s err=%v", channel, err)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	expectReply := sink.Config().ExpectReply()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.Done():
			return
		case at := <-ticker.C:
			seq++
			msg := connector.NewMessage(tick{Channel: channel, Seq: seq, At: at.UTC()})
			if expectReply {
				msg.OnReply = func(_ context.Context, reply *connector.Message) error {
					logger.Printf("producer: reply received channel=%s payload=%v", channel, reply.Payload)
					return nil
				}
			}
			select {
			case items <- msg:
			case <-ctx.Done():
				return
			case <-sink.Done():
				return
			}
		}
	}
}

// startConsumers attaches a logging consumer to each incoming channel.
func startConsumers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, provider *connector.Provider, incoming config.Channels) int {
	started := 0
	for _, name := range slices.Sorted(maps.Keys(incoming)) {
		src, ok := provider.LookupSource(name)
		if !ok {
			continue
		}
		consumer := newLogConsumer(ctx, logger, name)
		src.Subscribe(consumer)
		lifecycle.Go(func() {
			consumer.run(ctx)
		})
		started++
	}
	return started
}

// logConsumer logs each inbound message, acknowledging requests, and asks for one message at a time.
type logConsumer struct {
	ctx     context.Context
	logger  *log.Logger
	channel string

	mu       sync.Mutex
	sub      stream.Subscription
	received int64

	done     chan struct{}
	doneOnce sync.Once
}

func newLogConsumer(ctx context.Context, logger *log.Logger, channel string) *logConsumer {
	return &logConsumer{ctx: ctx, logger: logger, channel: channel, done: make(chan struct{})}
}

func (c *logConsumer) OnSubscribe(s stream.Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
	s.Request(1)
}

func (c *logConsumer) OnNext(msg *connector.Message) {
	c.mu.Lock()
	c.received++
	seq := c.received
	sub := c.sub
	c.mu.Unlock()

	c.logger.Printf("consumer: message channel=%s address=%s seq=%d payload=%v", c.channel, msg.Address(), seq, msg.Payload)
	if msg.ExpectsReply() {
		if err := msg.Reply(c.ctx, ack{Channel: c.channel, Seq: seq, Payload: msg.Payload}); err != nil {
			c.logger.Printf("consumer: reply failed channel=%s err=%v", c.channel, err)
		}
	}
	sub.Request(1)
}

func (c *logConsumer) OnError(err error) {
	c.logger.Printf("consumer: stream failed channel=%s err=%v", c.channel, err)
	c.finish()
}

func (c *logConsumer) OnComplete() {
	c.logger.Printf("consumer: stream completed channel=%s", c.channel)
	c.finish()
}

func (c *logConsumer) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *logConsumer) run(ctx context.Context) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	}
}
