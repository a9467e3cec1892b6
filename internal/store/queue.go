package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// DeliveryQueueKey is the sorted set holding envelopes awaiting dispatch,
// scored by the time they become ready in microseconds.
const DeliveryQueueKey = "delivery_queue"

// DeliveryQueue is a Redis-backed schedule of envelopes. Members are the
// JSON-encoded envelopes, so enqueueing the same event twice is a no-op.
type DeliveryQueue struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewDeliveryQueue(client *redis.Client, logger *slog.Logger) *DeliveryQueue {
	return &DeliveryQueue{client: client, logger: logger, now: time.Now}
}

// Enqueue schedules env for dispatch at the given time. A zero time means now.
func (q *DeliveryQueue) Enqueue(ctx context.Context, env domain.Envelope, at time.Time) error {
	if at.IsZero() {
		at = q.now()
	}

	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	err = q.client.ZAdd(ctx, DeliveryQueueKey, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing event %s: %w", env.Metadata.EventID, err)
	}
	return nil
}

// Claim removes and returns up to limit envelopes that are ready. Each member
// is handed to exactly one caller: ZREM returning 0 means another dispatcher
// took it first.
func (q *DeliveryQueue) Claim(ctx context.Context, limit int) ([]domain.Envelope, error) {
	ready := strconv.FormatInt(q.now().UnixMicro(), 10)

	members, err := q.client.ZRangeByScore(ctx, DeliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   ready,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	envelopes := make([]domain.Envelope, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, DeliveryQueueKey, member).Result()
		if err != nil {
			return envelopes, fmt.Errorf("removing queued envelope: %w", err)
		}
		if removed == 0 {
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.logger.Error("dropping malformed queued envelope", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func (q *DeliveryQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, DeliveryQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}
