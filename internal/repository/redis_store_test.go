package repository

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupRedisStore starts a miniredis instance and returns a store bound to it.
func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, testLogger()), mr
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.NoError(t, store.Delete(ctx))
}

func TestRedisStore_GetExpired(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStore_SetIfAbsent(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "marker", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "marker", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "marker")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	mr.FastForward(time.Minute + time.Second)

	ok, err = store.SetIfAbsent(ctx, "marker", []byte("3"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_TTL(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 30*time.Second))

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, float64(30*time.Second), float64(ttl), float64(time.Second))

	_, err = store.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStore_Take(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := store.Take(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = store.Take(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStore_Update(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "counter", []byte("1"), time.Minute))

	err := store.Update(ctx, "counter", func(current []byte) ([]byte, time.Duration, error) {
		n, _ := strconv.Atoi(string(current))
		return []byte(strconv.Itoa(n + 1)), 30 * time.Second, nil
	})
	require.NoError(t, err)

	got, err := mr.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
	assert.Equal(t, 30*time.Second, mr.TTL("counter"))
}

func TestRedisStore_UpdateDeleteAndSkip(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	err := store.Update(ctx, "k", func([]byte) ([]byte, time.Duration, error) {
		return nil, 0, ErrSkipUpdate
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("k"))

	err = store.Update(ctx, "k", func([]byte) ([]byte, time.Duration, error) {
		return nil, 0, nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("k"))

	err = store.Update(ctx, "k", func([]byte) ([]byte, time.Duration, error) {
		t.Fatal("callback must not run for a missing key")
		return nil, 0, nil
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStore_UpdateCallbackError(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	err := store.Update(ctx, "k", func([]byte) ([]byte, time.Duration, error) {
		return nil, 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, models.ErrDownstreamUnavailable)
}

func TestRedisStore_UpdateConcurrentIncrements(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "counter", []byte("0"), time.Minute))

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, "counter", func(current []byte) ([]byte, time.Duration, error) {
				n, _ := strconv.Atoi(string(current))
				return []byte(strconv.Itoa(n + 1)), time.Minute, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := mr.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers), got)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	mr.Close()

	err := store.Set(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)

	_, err = store.SetIfAbsent(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)

	err = store.Update(ctx, "k", func([]byte) ([]byte, time.Duration, error) { return nil, 0, nil })
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)

	assert.ErrorIs(t, store.Ping(ctx), models.ErrDownstreamUnavailable)
}
