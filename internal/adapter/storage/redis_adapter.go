package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix     = "escrow:lock:"
	defaultLockTTL    = 10 * time.Second
	lockRetryInterval = 20 * time.Millisecond
)

var ErrLockLost = errors.New("order lock expired before release")

// releaseLockScript deletes the lock only when it still carries our token.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter is a KeyLocker shared by every engine process pointing at the
// same Redis. The TTL bounds how long a crashed holder blocks an order.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
	onLost func(key string)
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

// OnLockLost registers a callback for releases that found the lock already
// expired or taken over.
func (r *RedisAdapter) OnLockLost(fn func(key string)) {
	r.onLost = fn
}

func (r *RedisAdapter) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := lockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { r.release(lockKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisAdapter) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseLockScript.Run(ctx, r.client, []string{lockKey}, token).Int()
	if (err != nil || n == 0) && r.onLost != nil {
		r.onLost(lockKey)
	}
}
