package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus provides ephemeral pub/sub fan-out.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ConstraintCache keeps broker symbol constraints between messages.
type ConstraintCache interface {
	Get(ctx context.Context, symbol string) (SymbolConstraints, error)
	Set(ctx context.Context, c SymbolConstraints) error
}
