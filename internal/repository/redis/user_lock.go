package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"twofactor-service/internal/client"
	"twofactor-service/internal/util"
)

const (
	submitLockPrefix = "submit_lock:"
	acquirePollDelay = 25 * time.Millisecond
)

// Lua compare-and-delete so only the lock holder can release.
const releaseScript = `
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`

// UserLock serializes code submissions per user across service instances.
// Each Submit call runs its ledger read and eventual mutation inside one held
// lock, so concurrent attempts for the same user cannot interleave.
type UserLock struct {
	client *client.RedisClient
}

func NewUserLock(client *client.RedisClient) *UserLock {
	return &UserLock{client: client}
}

// Acquire blocks until the per-user lock is held or ctx expires. The returned
// release func is safe to call once; the TTL bounds the damage of a crashed
// holder.
func (l *UserLock) Acquire(ctx context.Context, userID string, ttl time.Duration) (func(), error) {
	key := submitLockPrefix + userID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire submit lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for submit lock: %w", ctx.Err())
		case <-time.After(acquirePollDelay):
		}
	}

	util.Debug("Submit lock acquired", zap.String("user_id", userID))

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token); err != nil {
			util.Warn("Failed to release submit lock",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	return release, nil
}
