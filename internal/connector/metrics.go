package connector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures per-channel delivery, drop and buffer telemetry for sinks and sources. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sent          *prometheus.CounterVec
	received      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	replyFailures *prometheus.CounterVec
	buffered      *prometheus.GaugeVec
	replyLatency  *prometheus.HistogramVec
}

// NewMetrics constructs connector instruments registered against the supplied registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "busbridge",
				Subsystem: "connector",
				Name:      "messages_sent_total",
				Help:      "Total number of messages handed to the bus by sinks.",
			},
			[]string{"channel"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "busbridge",
				Subsystem: "connector",
				Name:      "messages_received_total",
				Help:      "Total number of bus messages accepted by sources.",
			},
			[]string{"channel"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "busbridge",
				Subsystem: "connector",
				Name:      "messages_dropped_total",
				Help:      "Total number of buffered messages discarded by the drop-oldest overflow strategy.",
			},
			[]string{"channel"},
		),
		replyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "busbridge",
				Subsystem: "connector",
				Name:      "reply_failures_total",
				Help:      "Total number of requests that ended without a positive reply.",
			},
			[]string{"channel"},
		),
		buffered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "busbridge",
				Subsystem: "connector",
				Name:      "buffered_messages",
				Help:      "Number of messages waiting for downstream demand.",
			},
			[]string{"channel"},
		),
		replyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "busbridge",
				Subsystem: "connector",
				Name:      "reply_seconds",
				Help:      "Histogram of request to reply latency observed by sinks.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}
	reg.MustRegister(m.sent, m.received, m.dropped, m.replyFailures, m.buffered, m.replyLatency)
	return m
}

func (m *Metrics) observeSent(channel string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeReceived(channel string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeDropped(channel string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeReplyFailure(channel string) {
	if m == nil {
		return
	}
	m.replyFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeReply(channel string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.replyLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) addBuffered(channel string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.buffered.WithLabelValues(channel).Add(float64(delta))
}

// SentCounter exposes the sent counter for testing and diagnostics.
func (m *Metrics) SentCounter(channel string) prometheus.Counter {
	return m.sent.WithLabelValues(channel)
}

// ReceivedCounter exposes the received counter for testing and diagnostics.
func (m *Metrics) ReceivedCounter(channel string) prometheus.Counter {
	return m.received.WithLabelValues(channel)
}

// DroppedCounter exposes the dropped counter for testing and diagnostics.
func (m *Metrics) DroppedCounter(channel string) prometheus.Counter {
	return m.dropped.WithLabelValues(channel)
}

// ReplyFailureCounter exposes the reply failure counter for testing and diagnostics.
func (m *Metrics) ReplyFailureCounter(channel string) prometheus.Counter {
	return m.replyFailures.WithLabelValues(channel)
}

// BufferedGauge exposes the buffered gauge for testing and diagnostics.
func (m *Metrics) BufferedGauge(channel string) prometheus.Gauge {
	return m.buffered.WithLabelValues(channel)
}
