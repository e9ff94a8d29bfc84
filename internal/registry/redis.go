package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/backhaul/internal/obs"
)

// releaseScript deletes a key only if this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaims stores claims in Redis so several server instances behind one address space never
// publish the same proxy name or bind target. Claims expire unless refreshed, so a crashed
// instance releases its targets after ttl.
type RedisClaims struct {
	client     *redis.Client
	instanceID string
	prefix     string
	ttl        time.Duration
}

func NewRedisClaims(addr, password string, db int, ttl time.Duration) (*RedisClaims, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	rc := &RedisClaims{
		client:     rdb,
		instanceID: "backhaul-" + uuid.NewString(),
		prefix:     "backhaul:",
		ttl:        ttl,
	}
	obs.Info("registry.redis.connected", obs.Fields{"addr": addr, "instance": rc.instanceID})
	return rc, nil
}

var _ ClaimStore = (*RedisClaims)(nil)

func (r *RedisClaims) Claim(ctx context.Context, key string) error {
	ok, err := r.client.SetNX(ctx, r.prefix+key, r.instanceID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrClaimed
	}
	return nil
}

func (r *RedisClaims) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, r.instanceID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Refresh extends the TTL of keys this instance holds.
func (r *RedisClaims) Refresh(ctx context.Context, keys []string) error {
	pipe := r.client.Pipeline()
	for _, k := range keys {
		pipe.Expire(ctx, r.prefix+k, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis refresh failed: %w", err)
	}
	return nil
}

func (r *RedisClaims) Close() error { return r.client.Close() }
