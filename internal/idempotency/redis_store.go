package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// RedisStore keeps each record in a hash that Redis expires on its own.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// acquireScript replaces a missing or failed record in one step.
var acquireScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'failed' then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// finishScript updates the outcome fields in place so components and
// created_at written by Acquire survive.
var finishScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'created_at') == 0 then
    redis.call('HSET', KEYS[1], 'created_at', ARGV[2])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func redisKey(hash string) string {
	return redisKeyPrefix + hash
}

func (s *RedisStore) Get(ctx context.Context, hash string) (*Record, error) {
	data, err := s.client.HGetAll(ctx, redisKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading idempotency record: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	rec := decodeRecord(hash, data)
	if !rec.live(s.now()) {
		s.client.Del(ctx, redisKey(hash))
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) Acquire(ctx context.Context, rec Record) (bool, error) {
	ttl := rec.ExpiresAt.Sub(s.now()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	args := []any{ttl}
	args = append(args, encodeRecord(rec)...)

	ok, err := acquireScript.Run(ctx, s.client, []string{redisKey(rec.Hash)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("acquiring idempotency record: %w", err)
	}
	return ok == 1, nil
}

func (s *RedisStore) Finish(ctx context.Context, rec Record) error {
	ttl := rec.ExpiresAt.Sub(s.now()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	args := []any{
		ttl,
		rec.CreatedAt.UnixMilli(),
		"status", string(rec.Status),
		"result", string(rec.Result),
		"error", rec.Error,
		"updated_at", rec.UpdatedAt.UnixMilli(),
		"expires_at", rec.ExpiresAt.UnixMilli(),
	}
	if err := finishScript.Run(ctx, s.client, []string{redisKey(rec.Hash)}, args...).Err(); err != nil {
		return fmt.Errorf("finishing idempotency record: %w", err)
	}
	return nil
}

// Purge is a no-op beyond what Redis already expires.
func (s *RedisStore) Purge(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Counts(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		status, err := s.client.HGet(ctx, iter.Val(), "status").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading idempotency status: %w", err)
		}
		counts[Status(status)]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning idempotency records: %w", err)
	}
	return counts, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("deleting idempotency record: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning idempotency records: %w", err)
	}
	return nil
}

func encodeRecord(rec Record) []any {
	return []any{
		"status", string(rec.Status),
		"event_type", rec.Components.EventType,
		"entity_id", rec.Components.EntityID,
		"action", rec.Components.Action,
		"result", string(rec.Result),
		"error", rec.Error,
		"created_at", rec.CreatedAt.UnixMilli(),
		"updated_at", rec.UpdatedAt.UnixMilli(),
		"expires_at", rec.ExpiresAt.UnixMilli(),
	}
}

func decodeRecord(hash string, data map[string]string) Record {
	rec := Record{
		Hash:   hash,
		Status: Status(data["status"]),
		Components: Components{
			EventType: data["event_type"],
			EntityID:  data["entity_id"],
			Action:    data["action"],
		},
		Error:     data["error"],
		CreatedAt: parseMillis(data["created_at"]),
		UpdatedAt: parseMillis(data["updated_at"]),
		ExpiresAt: parseMillis(data["expires_at"]),
	}
	if r := data["result"]; r != "" {
		rec.Result = []byte(r)
	}
	return rec
}

func parseMillis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms)
}
