// Package stream defines the demand-driven publisher/subscriber contract used by busbridge connectors.
//
// The contract follows reactive streams: a Subscriber receives exactly one OnSubscribe call, then zero or more
// OnNext calls bounded by the demand it requested through the Subscription, then at most one terminal
// OnError or OnComplete. Signals to a single Subscriber are never concurrent.
package stream

import (
	"math"
	"strconv"

	"github.com/coachpo/busbridge/errs"
)

// Subscription links one Subscriber to one Publisher.
type Subscription interface {
	// Request adds n to the outstanding demand. Non-positive n is a usage error reported through OnError.
	Request(n int64)
	// Cancel asks the Publisher to stop signalling and release resources. It is idempotent.
	Cancel()
}

// Subscriber consumes items from a Publisher.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Publisher produces items for subscribers according to their demand.
type Publisher[T any] interface {
	Subscribe(s Subscriber[T])
}

// Unbounded is the demand value that disables flow control.
const Unbounded int64 = math.MaxInt64

// AddDemand adds n to current, saturating at Unbounded.
func AddDemand(current, n int64) int64 {
	if n <= 0 {
		return current
	}
	if current > Unbounded-n {
		return Unbounded
	}
	return current + n
}

// ErrNonPositiveRequest builds the usage error signalled when Request receives n <= 0.
func ErrNonPositiveRequest(op string, n int64) error {
	return errs.New(op, errs.CodeUsage,
		errs.WithMessage("request must be positive"),
		errs.WithField("n", strconv.FormatInt(n, 10)))
}

type emptySubscription struct{}

func (emptySubscription) Request(int64) {}
func (emptySubscription) Cancel()       {}

// EmptySubscription returns a Subscription that ignores every signal. It is handed to subscribers that are
// rejected before any item can flow.
func EmptySubscription() Subscription {
	return emptySubscription{}
}

// Reject hands s an empty subscription followed by err, the sequence required when a Publisher refuses a
// subscriber.
func Reject[T any](s Subscriber[T], err error) {
	s.OnSubscribe(EmptySubscription())
	s.OnError(err)
}
