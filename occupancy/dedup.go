package occupancy

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper records processed event IDs in Redis so every updater instance
// skips events it has already folded into the read model.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(eventID string) string {
	return "event:" + eventID
}

// Add records the event ID if it was not seen before. It returns true when the
// ID was newly added.
func (r *RedisDeduper) Add(ctx context.Context, eventID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(eventID), 1, r.ttl).Result()
}

// Remove deletes a previously recorded ID. It is used when applying the event
// failed so the redelivery is not mistaken for a duplicate.
func (r *RedisDeduper) Remove(ctx context.Context, eventID string) error {
	return r.client.Del(ctx, r.key(eventID)).Err()
}
