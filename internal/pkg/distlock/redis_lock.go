package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the stored token matches, so a
// holder whose TTL already expired can never delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLock backs DistLock with SET NX + TTL. The TTL bounds how long a
// crashed holder can block the next pass; the per-instance token keeps a
// stale Release from freeing someone else's lock.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock prepares a lock under the engine's key namespace.
func NewRedisLock(client *redis.Client, name string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "mailflow:lock:" + name,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire reports whether the key was set; false means another holder has it.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release frees the lock if this instance's token still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
