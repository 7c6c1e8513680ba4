package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/phoneauth/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned when a key is absent or has expired.
var ErrKeyNotFound = errors.New("key not found")

// ErrSkipUpdate may be returned by an UpdateFunc to leave the key untouched.
var ErrSkipUpdate = errors.New("skip update")

// UpdateFunc receives the current value of a key and returns its replacement.
// A nil next value deletes the key.
type UpdateFunc func(current []byte) (next []byte, ttl time.Duration, err error)

// SessionStore is a TTL key-value store with per-key atomicity.
type SessionStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Take(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Ping(ctx context.Context) error
}

const maxUpdateRetries = 50

type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStore(client *redis.Client, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to write to Redis")
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to read from Redis")
		return nil, unavailable("get", err)
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// SetIfAbsent writes value only when key does not exist and reports whether it did.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of key, or ErrKeyNotFound.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("pttl", err)
	}
	// -2: missing key, -1: no expiry.
	if ttl == -2 {
		return 0, ErrKeyNotFound
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Take atomically reads and deletes key.
func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, unavailable("getdel", err)
	}
	return data, nil
}

// Update runs fn inside an optimistic WATCH/MULTI transaction on key and
// retries when another writer touched the key in between. fn may be called
// more than once.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}

		next, ttl, err := fn(current)
		if errors.Is(err, ErrSkipUpdate) {
			return nil
		}
		if err != nil {
			fnErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			s.logger.WithField("key", key).Debug("Concurrent update detected, retrying")
			continue
		case errors.Is(err, ErrKeyNotFound):
			return err
		case fnErr != nil:
			return fnErr
		default:
			s.logger.WithError(err).WithField("key", key).Error("Failed to update key in Redis")
			return unavailable("update", err)
		}
	}

	return unavailable("update", fmt.Errorf("too many concurrent writers on %s", key))
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", models.ErrDownstreamUnavailable, op, err)
}
