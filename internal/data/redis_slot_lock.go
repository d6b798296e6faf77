package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/inferbatch/internal/core"
)

// DefaultSlotKeyPrefix namespaces accelerator slot locks.
const DefaultSlotKeyPrefix = "inferbatch:slot:"

// Compare-and-act scripts keep refresh and release from touching a lock another owner took over.
var (
	refreshSlotScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseSlotScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisSlotLock implements core.SlotLock with SET NX PX.
type RedisSlotLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSlotLock creates a slot lock backed by client. An empty prefix uses DefaultSlotKeyPrefix.
func NewRedisSlotLock(client redis.UniversalClient, prefix string) *RedisSlotLock {
	if prefix == "" {
		prefix = DefaultSlotKeyPrefix
	}
	return &RedisSlotLock{client: client, prefix: prefix}
}

func (l *RedisSlotLock) key(slotID string) string {
	return l.prefix + slotID
}

func validateSlotArgs(slotID, owner string) error {
	if slotID == "" {
		return errors.New("slot id cannot be empty")
	}
	if owner == "" {
		return errors.New("owner cannot be empty")
	}
	return nil
}

// Acquire takes the slot for owner. Re-acquiring a slot the owner already holds extends it.
func (l *RedisSlotLock) Acquire(ctx context.Context, slotID, owner string, ttl time.Duration) (bool, error) {
	if err := validateSlotArgs(slotID, owner); err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, l.key(slotID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	return l.Refresh(ctx, slotID, owner, ttl)
}

// Refresh extends the slot TTL when owner still holds it.
func (l *RedisSlotLock) Refresh(ctx context.Context, slotID, owner string, ttl time.Duration) (bool, error) {
	if err := validateSlotArgs(slotID, owner); err != nil {
		return false, err
	}
	n, err := refreshSlotScript.Run(ctx, l.client, []string{l.key(slotID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis refresh slot: %w", err)
	}
	return n == 1, nil
}

// Release frees the slot when owner holds it.
func (l *RedisSlotLock) Release(ctx context.Context, slotID, owner string) error {
	if err := validateSlotArgs(slotID, owner); err != nil {
		return err
	}
	if err := releaseSlotScript.Run(ctx, l.client, []string{l.key(slotID)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release slot: %w", err)
	}
	return nil
}

var _ core.SlotLock = (*RedisSlotLock)(nil)
