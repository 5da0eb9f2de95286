package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backend backed by a Redis server. Entries are stored JSON-encoded
// with a server-side expiry of whichever deadline comes first; hits push the
// expiry forward by the sliding TTL, capped at the absolute ceiling.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithRedisClock overrides the time source. For tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis creates a Redis backend. All keys are stored under the given
// prefix so several gateways can share one server.
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// deadline computes when the entry should expire server-side: the sooner of
// the sliding window end and the absolute ceiling.
func deadline(e *Entry) time.Time {
	d := e.AbsoluteExpiry
	if e.SlidingTTL > 0 {
		if slide := e.LastAccess.Add(e.SlidingTTL); slide.Before(d) {
			d = slide
		}
	}
	return d
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = r.client.Del(ctx, r.key(key)).Err()
		return nil, false, nil
	}

	now := r.now()
	if !e.Live(now) {
		_ = r.client.Del(ctx, r.key(key)).Err()
		return nil, false, nil
	}

	// Refresh the sliding window, never past the absolute ceiling. The
	// refreshed entry is written back in full: extending the server-side
	// expiry alone would leave the stored last-access time stale, and the
	// next read would expire the entry against the original timestamp.
	e.LastAccess = now
	if e.SlidingTTL > 0 {
		raw, ttl, err := encodeEntry(&e, now)
		if err != nil {
			return nil, false, fmt.Errorf("encode cache entry %s: %w", key, err)
		}
		if err := r.client.Set(ctx, r.key(key), raw, ttl).Err(); err != nil {
			return nil, false, fmt.Errorf("redis refresh %s: %w", key, err)
		}
	}
	return &e, true, nil
}

// encodeEntry marshals the entry and computes its remaining server-side
// lifetime as of now.
func encodeEntry(e *Entry, now time.Time) ([]byte, time.Duration, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, 0, err
	}
	return raw, deadline(e).Sub(now), nil
}

func (r *Redis) Set(ctx context.Context, key string, e *Entry) error {
	raw, ttl, err := encodeEntry(e, r.now())
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
