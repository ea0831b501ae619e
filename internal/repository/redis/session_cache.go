package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"twofactor-service/internal/auth"
	"twofactor-service/internal/client"
	"twofactor-service/internal/util"
)

const sessionPrefix = "session:"

// SessionCache persists the serialized authentication context per session ID.
// The context is an explicit object passed through the request pipeline, never
// ambient session state.
type SessionCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewSessionCache(client *client.RedisClient, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

func (c *SessionCache) Save(ctx context.Context, sessionID string, authCtx *auth.Context) error {
	data, err := json.Marshal(authCtx)
	if err != nil {
		return fmt.Errorf("failed to marshal auth context: %w", err)
	}

	key := sessionPrefix + sessionID
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		util.Error("Failed to save session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to save session: %w", err)
	}

	util.Debug("Session saved",
		zap.String("session_id", sessionID),
		zap.String("state", authCtx.State.String()))
	return nil
}

// Load returns the stored context, or a fresh anonymous one when the session
// is unknown or expired.
func (c *SessionCache) Load(ctx context.Context, sessionID string) (*auth.Context, error) {
	key := sessionPrefix + sessionID

	data, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return auth.NewContext(), nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	authCtx := &auth.Context{}
	if err := json.Unmarshal([]byte(data), authCtx); err != nil {
		util.Warn("Discarding undecodable session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return auth.NewContext(), nil
	}

	return authCtx, nil
}

func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, sessionPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	util.Debug("Session deleted", zap.String("session_id", sessionID))
	return nil
}
