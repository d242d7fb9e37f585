package domain

import (
	"context"
	"sync/atomic"
)

type brokerTouchKey struct{}

// BrokerTouch records whether a trade request was sent to the broker while
// handling one command.
type BrokerTouch struct {
	touched atomic.Bool
}

// Touched reports whether MarkBrokerTouched was called.
func (t *BrokerTouch) Touched() bool { return t.touched.Load() }

// TrackBrokerTouch returns a context whose trade submissions are recorded
// on the returned BrokerTouch.
func TrackBrokerTouch(ctx context.Context) (context.Context, *BrokerTouch) {
	t := &BrokerTouch{}
	return context.WithValue(ctx, brokerTouchKey{}, t), t
}

// MarkBrokerTouched is called immediately before a trade request leaves for
// the broker. It is a no-op when ctx is not tracked.
func MarkBrokerTouched(ctx context.Context) {
	if t, ok := ctx.Value(brokerTouchKey{}).(*BrokerTouch); ok {
		t.touched.Store(true)
	}
}
