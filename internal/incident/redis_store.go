package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockoutKeyPrefix = "secmon:lockout:"

// lockoutGrace keeps an expired lockout readable after unlock_at so the
// responder can delete it and record the expiry. Redis drops keys nobody
// reads once the grace has passed.
const lockoutGrace = 24 * time.Hour

// RedisLockoutStore keeps lockouts in Redis so every instance sees them.
type RedisLockoutStore struct {
	client redis.UniversalClient
}

// NewRedisLockoutStore creates a Redis-backed lockout store.
func NewRedisLockoutStore(client redis.UniversalClient) *RedisLockoutStore {
	return &RedisLockoutStore{client: client}
}

func lockoutKey(userID string) string {
	return lockoutKeyPrefix + userID
}

func lockoutTTL(l *Lockout, now time.Time) time.Duration {
	ttl := l.UnlockAt.Sub(now) + lockoutGrace
	if ttl < time.Millisecond {
		// Redis rejects zero or negative expirations.
		ttl = time.Millisecond
	}
	return ttl
}

// Acquire replaces an expired lockout and leaves an active one alone. The
// read and the write run under WATCH; losing a race counts as not created.
func (s *RedisLockoutStore) Acquire(ctx context.Context, l *Lockout, now time.Time) (bool, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return false, fmt.Errorf("incident: encode lockout: %w", err)
	}
	key := lockoutKey(l.UserID)

	created := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing Lockout
			if err := json.Unmarshal(current, &existing); err == nil && existing.Active(now) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, lockoutTTL(l, now))
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fail("lockouts", "acquire", err)
	}
	return created, nil
}

func (s *RedisLockoutStore) Put(ctx context.Context, l *Lockout, now time.Time) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("incident: encode lockout: %w", err)
	}
	return fail("lockouts", "put", s.client.Set(ctx, lockoutKey(l.UserID), b, lockoutTTL(l, now)).Err())
}

func (s *RedisLockoutStore) Get(ctx context.Context, userID string) (*Lockout, error) {
	b, err := s.client.Get(ctx, lockoutKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("lockouts", "get", err)
	}
	var l Lockout
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("incident: decode lockout: %w", err)
	}
	return &l, nil
}

func (s *RedisLockoutStore) Delete(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Del(ctx, lockoutKey(userID)).Result()
	if err != nil {
		return false, fail("lockouts", "delete", err)
	}
	return n > 0, nil
}

// Compile-time assertion that RedisLockoutStore implements LockoutStore.
var _ LockoutStore = (*RedisLockoutStore)(nil)
