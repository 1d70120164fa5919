// Package lease provides the cross-instance lock that keeps two sweeps from
// running over the same batch at the same time.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants exclusive ownership of a key until Release or ttl expiry.
type Lease interface {
	// Acquire returns ok=false without error when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lease only if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// Noop always grants the lease; used when Redis is not configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (string, bool, error) { return "noop", true, nil }
func (Noop) Release(context.Context, string, string) error { return nil }

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type Redis struct {
	client   redis.Cmdable
	newToken func() string
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client, newToken: uuid.NewString}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := r.newToken()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	err := r.client.Eval(ctx, releaseScript, []string{key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

var (
	_ Lease = Noop{}
	_ Lease = (*Redis)(nil)
)
