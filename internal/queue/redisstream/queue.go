// Package redisstream consumes order commands from a Redis stream through
// a consumer group. Entries left unacknowledged longer than the visibility
// timeout are claimed again, which gives the same redelivery contract as
// SQS.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// bodyField is the stream entry field carrying the command JSON.
const bodyField = "body"

// Config names the stream, group and consumer.
type Config struct {
	Stream            string
	Group             string
	Consumer          string
	Block             time.Duration
	VisibilityTimeout time.Duration
}

// Queue implements the dispatcher queue on a Redis stream.
type Queue struct {
	rdb redis.UniversalClient
	cfg Config
}

// New returns a Queue. Call EnsureGroup once before receiving.
func New(rdb redis.UniversalClient, cfg Config) *Queue {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &Queue{rdb: rdb, cfg: cfg}
}

// EnsureGroup creates the stream and consumer group if missing.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisstream: create group %s on %s: %w", q.cfg.Group, q.cfg.Stream, err)
	}
	return nil
}

// Enqueue appends a command body to the stream.
func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisstream: enqueue: %w", err)
	}
	return id, nil
}

// Receive returns one stale entry claimed from another delivery if there
// is one, otherwise blocks for a new entry.
func (q *Queue) Receive(ctx context.Context) ([]domain.QueueMessage, error) {
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstream: autoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return []domain.QueueMessage{q.message(ctx, claimed[0], 0)}, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: read group: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return []domain.QueueMessage{q.message(ctx, streams[0].Messages[0], 1)}, nil
}

// message converts an entry. A known count of zero means look it up in the
// pending list.
func (q *Queue) message(ctx context.Context, m redis.XMessage, count int) domain.QueueMessage {
	body, _ := m.Values[bodyField].(string)
	if count == 0 {
		count = 1
		pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.cfg.Stream,
			Group:  q.cfg.Group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result()
		if err == nil && len(pending) == 1 {
			count = int(pending[0].RetryCount)
		}
	}
	return domain.QueueMessage{
		ID:            m.ID,
		ReceiptHandle: m.ID,
		Body:          []byte(body),
		ReceiveCount:  count,
	}
}

// Delete acknowledges the entry and removes it from the stream.
func (q *Queue) Delete(ctx context.Context, msg domain.QueueMessage) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ReceiptHandle)
		pipe.XDel(ctx, q.cfg.Stream, msg.ReceiptHandle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstream: delete %s: %w", msg.ID, err)
	}
	return nil
}
