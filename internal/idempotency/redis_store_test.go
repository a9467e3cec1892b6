package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewService(NewRedisStore(client), Config{}, testLogger()), mr
}

func TestRedisStore_Lifecycle(t *testing.T) {
	svc, mr := setupRedisService(t)
	ctx := context.Background()
	key := GenerateKey("producto.creado", "p-1", "inbound", "")

	ok, err := svc.MarkProcessing(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.MarkProcessing(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.MarkCompleted(ctx, key.Hash, map[string]int{"items": 3}, time.Hour))

	dup, rec, err := svc.IsDuplicate(ctx, key.Hash)
	require.NoError(t, err)
	require.True(t, dup)
	assert.JSONEq(t, `{"items":3}`, string(rec.Result))
	assert.Equal(t, "p-1", rec.Components.EntityID)

	ttl := mr.TTL(redisKey(key.Hash))
	assert.InDelta(t, float64(time.Hour), float64(ttl), float64(time.Second))

	mr.FastForward(time.Hour + time.Second)

	dup, _, err = svc.IsDuplicate(ctx, key.Hash)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestRedisStore_ConcurrentAcquire(t *testing.T) {
	svc, _ := setupRedisService(t)
	ctx := context.Background()
	key := GenerateKey("prescripcion.creada", "rx-9", "inbound", "")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := svc.MarkProcessing(ctx, key); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisStore_FailedReclaimAndStats(t *testing.T) {
	svc, _ := setupRedisService(t)
	ctx := context.Background()
	a := GenerateKey("e", "1", "inbound", "")
	b := GenerateKey("e", "2", "inbound", "")

	for _, k := range []Key{a, b} {
		ok, err := svc.MarkProcessing(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, svc.MarkFailed(ctx, a.Hash, errors.New("timeout"), time.Hour))

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Processing: 1, Failed: 1}, st)

	ok, err := svc.MarkProcessing(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Reset(ctx))
	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestRedisStore_FinishUpdatesInPlace(t *testing.T) {
	svc, mr := setupRedisService(t)
	ctx := context.Background()
	key := GenerateKey("prescripcion.creada", "rx-9", "receive", "")

	ok, err := svc.MarkProcessing(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	createdAt := mr.HGet(redisKey(key.Hash), "created_at")
	require.NotEmpty(t, createdAt)

	require.NoError(t, svc.MarkCompleted(ctx, key.Hash, map[string]string{"status": "processed"}, 2*time.Hour))

	assert.Equal(t, createdAt, mr.HGet(redisKey(key.Hash), "created_at"))
	assert.Equal(t, "rx-9", mr.HGet(redisKey(key.Hash), "entity_id"))
	assert.Equal(t, "receive", mr.HGet(redisKey(key.Hash), "action"))

	dup, rec, err := svc.IsDuplicate(ctx, key.Hash)
	require.NoError(t, err)
	require.True(t, dup)
	assert.JSONEq(t, `{"status":"processed"}`, string(rec.Result))
	assert.Equal(t, key.Components, rec.Components)

	ttl := mr.TTL(redisKey(key.Hash))
	assert.InDelta(t, float64(2*time.Hour), float64(ttl), float64(time.Second))
}

func TestRedisStore_FinishWithoutClaimCreatesRecord(t *testing.T) {
	svc, mr := setupRedisService(t)
	ctx := context.Background()
	key := GenerateKey("producto.creado", "p-7", "deliver", "")

	require.NoError(t, svc.MarkFailed(ctx, key.Hash, errors.New("HTTP 503"), time.Hour))

	assert.NotEmpty(t, mr.HGet(redisKey(key.Hash), "created_at"))
	rec, err := svc.Check(ctx, key.Hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "HTTP 503", rec.Error)
}
