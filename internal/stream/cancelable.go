package stream

import "sync/atomic"

// CancelableSubscription decorates a Subscription with a cleanup action that runs exactly once, on the first
// Cancel, before the cancel signal is forwarded.
type CancelableSubscription struct {
	inner     Subscription
	cleanup   func()
	cancelled atomic.Bool
}

// NewCancelableSubscription wraps inner. cleanup may be nil. A nil inner subscription panics.
func NewCancelableSubscription(inner Subscription, cleanup func()) *CancelableSubscription {
	if inner == nil {
		panic("stream: cancelable subscription requires a subscription")
	}
	return &CancelableSubscription{inner: inner, cleanup: cleanup}
}

// Request forwards n to the wrapped subscription.
func (c *CancelableSubscription) Request(n int64) {
	c.inner.Request(n)
}

// Cancel runs the cleanup action and then cancels the wrapped subscription. The forward happens even if
// cleanup panics; the panic is propagated afterwards. Later calls do nothing.
func (c *CancelableSubscription) Cancel() {
	if !c.cancelled.CompareAndSwap(false, true) {
		return
	}
	defer c.inner.Cancel()
	if c.cleanup != nil {
		c.cleanup()
	}
}

// Cancelled reports whether Cancel has been called.
func (c *CancelableSubscription) Cancelled() bool {
	return c.cancelled.Load()
}
