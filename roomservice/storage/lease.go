package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/roomservice/domain"
)

// RedisLease serializes sagas per user across all room-service instances. A
// lease is a redis key held for at most ttl, so a crashed saga cannot block a
// user forever.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLease creates a lease manager. ttl bounds how long a saga may hold
// a user's lease; wait bounds how long a competing request polls before
// failing with ErrSagaInProgress.
func NewRedisLease(client *redis.Client, ttl, wait time.Duration) *RedisLease {
	return &RedisLease{client: client, ttl: ttl, wait: wait}
}

func leaseKey(userID string) string {
	return "saga-lease:" + userID
}

// Only the holder's token may release the lease; a lease that expired and was
// re-acquired by another saga must not be deleted by the first holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the per-user lease, polling briefly when it is already held.
// The returned function releases the lease.
func (l *RedisLease) Acquire(ctx context.Context, userID string) (func(), error) {
	token := uuid.NewString()
	key := leaseKey(userID)
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(relCtx, l.client, []string{key}, token).Err(); err != nil {
					log.WithError(err).WithField("user", userID).Warn("lease release failed, waiting for ttl expiry")
				}
			}, nil
		}
		if l.wait <= 0 || !time.Now().Before(deadline) {
			return nil, domain.ErrSagaInProgress
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
