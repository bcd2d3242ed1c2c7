package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the shared fast cache tier, visible to every processing
// unit. It also backs the revalidation dedup guard and the progress
// tracker registry, which need cross-process set-if-absent semantics.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisTier creates the shared tier. ttl should match the freshness
// policy's expiry so Redis evicts what the policy would classify Expired.
func NewRedisTier(client *redis.Client, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, ttl: ttl, prefix: "tenderscope:cache:"}
}

func (t *RedisTier) Name() string { return "redis" }

// Get loads the entry for a key.
func (t *RedisTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode redis entry: %w", err)
	}
	return e, true, nil
}

// Put stores the entry with the tier TTL.
func (t *RedisTier) Put(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode redis entry: %w", err)
	}
	if err := t.client.Set(ctx, t.prefix+key, raw, t.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// UpdateHealth rewrites the stored entry's health fields. Plain
// read-modify-write: concurrent updates only race over bookkeeping
// fields, never the payload.
func (t *RedisTier) UpdateHealth(ctx context.Context, key string, success bool, at time.Time) error {
	e, found, err := t.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	e.LastAttemptAt = at
	if success {
		e.FailStreak = 0
		e.LastSuccessAt = at
	} else {
		e.FailStreak++
	}
	return t.Put(ctx, key, e)
}

// SetIfAbsent atomically claims key for ttl. Returns true when this caller
// won the claim. Used by the revalidation dedup guard.
func (t *RedisTier) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := t.client.SetNX(ctx, "tenderscope:guard:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops a guard claim early (successful revalidation finished).
func (t *RedisTier) Release(ctx context.Context, key string) error {
	return t.client.Del(ctx, "tenderscope:guard:"+key).Err()
}

// PutTracker stores an arbitrary blob in the shared tracker registry with
// a TTL, keyed by request id. Used for progress streaming across units.
func (t *RedisTier) PutTracker(ctx context.Context, requestID string, blob []byte, ttl time.Duration) error {
	return t.client.Set(ctx, "tenderscope:tracker:"+requestID, blob, ttl).Err()
}

// GetTracker loads a tracker blob. Returns found=false when it expired.
func (t *RedisTier) GetTracker(ctx context.Context, requestID string) ([]byte, bool, error) {
	raw, err := t.client.Get(ctx, "tenderscope:tracker:"+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
