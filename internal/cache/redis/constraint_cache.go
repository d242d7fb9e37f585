package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// DefaultConstraintTTL bounds how long symbol constraints are reused before
// the broker is asked again.
const DefaultConstraintTTL = 10 * time.Minute

// ConstraintCache implements domain.ConstraintCache with one hash per
// symbol.
//
// Key schema:
//
//	constraints:{symbol} - hash with field "data" containing JSON
type ConstraintCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewConstraintCache creates a ConstraintCache. A non-positive ttl selects
// DefaultConstraintTTL.
func NewConstraintCache(c *Client, ttl time.Duration) *ConstraintCache {
	if ttl <= 0 {
		ttl = DefaultConstraintTTL
	}
	return &ConstraintCache{rdb: c.Underlying(), ttl: ttl}
}

func constraintKey(symbol string) string { return "constraints:" + symbol }

// Set stores c under its symbol with the cache TTL.
func (cc *ConstraintCache) Set(ctx context.Context, c domain.SymbolConstraints) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal constraints %s: %w", c.Symbol, err)
	}

	key := constraintKey(c.Symbol)
	pipe := cc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, cc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set constraints %s: %w", c.Symbol, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (cc *ConstraintCache) Get(ctx context.Context, symbol string) (domain.SymbolConstraints, error) {
	data, err := cc.rdb.HGet(ctx, constraintKey(symbol), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SymbolConstraints{}, domain.ErrNotFound
		}
		return domain.SymbolConstraints{}, fmt.Errorf("redis: get constraints %s: %w", symbol, err)
	}

	var c domain.SymbolConstraints
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.SymbolConstraints{}, fmt.Errorf("redis: unmarshal constraints %s: %w", symbol, err)
	}
	return c, nil
}

var _ domain.ConstraintCache = (*ConstraintCache)(nil)
