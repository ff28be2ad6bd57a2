package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/unlock.lua
var unlockScriptSrc string

type Client struct {
	rdb          *redis.Client
	unlockScript *redis.Script
}

// NewClient creates a new Redis client and verifies connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:          rdb,
		unlockScript: redis.NewScript(unlockScriptSrc),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock tries to take lockKey for ttl. On success it returns the owner
// token needed by ReleaseLock; an empty token means the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases lockKey only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	if token == "" {
		return nil
	}
	if err := c.unlockScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", lockKey, err)
	}
	return nil
}

// MarkEventSeen records eventID for ttl. It returns false if the event was
// already recorded within the window.
func (c *Client) MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("webhook:event:%s", eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event seen: %w", err)
	}
	return ok, nil
}

// ForgetEvent removes a seen marker so a failed delivery can be retried
func (c *Client) ForgetEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("webhook:event:%s", eventID)).Err()
}

func lockName(key string) string {
	return fmt.Sprintf("lock:%s", key)
}
