package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	runLockKeyPrefix = "runlock:"
	runLockTTL       = 2 * time.Minute
)

// releaseLockScript deletes the lease only if this locker's token still
// owns it, so an expired lease taken over by another run is left alone.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// RedisRunLock hands out a per-key lease so two probe runs cannot race on
// the same fixture row. The TTL bounds the damage of a crashed run.
type RedisRunLock struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisRunLock(client *redis.Client) *RedisRunLock {
	return &RedisRunLock{
		client: client,
		tokens: make(map[string]string),
	}
}

func (r *RedisRunLock) Acquire(ctx context.Context, key string) (bool, error) {
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, runLockKeyPrefix+key, token, runLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()

	return true, nil
}

func (r *RedisRunLock) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, held := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()

	if !held {
		return nil
	}

	if err := releaseLockScript.Run(ctx, r.client, []string{runLockKeyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
