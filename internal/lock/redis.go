package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key only if it still holds this holder's token,
// so a lock that already expired and was reacquired by someone else is
// never released out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// extendScript renews TTL only if this holder's token still matches.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLocker implements Locker with Redis SET NX PX for acquisition and
// Lua compare-and-delete/compare-and-expire for release/extend, the
// standard single-instance Redlock-lite pattern.
type RedisLocker struct {
	client *redis.Client
	tokens sync.Map // key -> holder token, so this process can Release/Extend without threading the token through callers
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.tokens.Store(key, token)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) (bool, error) {
	token, ok := l.tokens.Load(key)
	if !ok {
		return false, nil
	}
	res, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return false, err
	}
	l.tokens.Delete(key)
	n, _ := res.(int64)
	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, ok := l.tokens.Load(key)
	if !ok {
		return false, nil
	}
	res, err := l.client.Eval(ctx, extendScript, []string{key}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

var _ Locker = (*RedisLocker)(nil)
