package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "shoplist:reconcile:"

// RedisStore is a SessionStore backed by Redis, so sessions survive restarts
// and can be shared by several server instances. Updates are serialized with
// a per-session lock.
type RedisStore struct {
	client  *redis.Client
	locker  *redislock.Client
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRedisStore creates a RedisStore whose sessions expire after ttl of inactivity
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{
		client:  client,
		locker:  redislock.New(client),
		ttl:     ttl,
		lockTTL: 5 * time.Second,
	}
}

func (r *RedisStore) key(id string) string {
	return redisKeyPrefix + id
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	lock, err := r.locker.Obtain(ctx, r.key(id)+":lock", r.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("session %s is busy: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := r.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
