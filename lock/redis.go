// Package lock provides a per-deal lock shared by every API instance.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"dealflow/deal"
)

var log = logging.Logger("lock")

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 25 * time.Millisecond
	keyPrefix    = "dealflow:lock:deal:"
)

// releaseScript deletes the key only while it still carries our token, so a
// holder whose lease expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a deal.Locker backed by SET NX PX leases.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	retry  time.Duration
}

var _ deal.Locker = (*Redis)(nil)

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client, ttl: defaultTTL, retry: defaultRetry}
}

// WithTTL sets the lease length. It must exceed the longest transition,
// including the store timeout.
func (r *Redis) WithTTL(ttl time.Duration) *Redis {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

func (r *Redis) WithRetryInterval(d time.Duration) *Redis {
	if d > 0 {
		r.retry = d
	}
	return r
}

func (r *Redis) Lock(ctx context.Context, dealID string) (func(), error) {
	key := keyPrefix + dealID
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", dealID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				log.Warnw("release lock", "deal", dealID, "error", err)
			}
		})
	}, nil
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client redis.Cmdable) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("lock: ping redis: %w", err)
	}
	return nil
}
