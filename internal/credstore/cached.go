package credstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

const (
	snapshotCacheTTL = 5 * time.Minute
	snapshotKeyPrefix = "relay:snap:"
)

// Cached wraps a Store with a Redis read-through cache on snapshots. The
// cache fails open: any Redis error falls back to the inner store.
type Cached struct {
	inner Store
	redis *redis.Client
}

// NewCached wraps inner with the given Redis client.
func NewCached(inner Store, rdb *redis.Client) *Cached {
	return &Cached{inner: inner, redis: rdb}
}

func (c *Cached) Snapshot(ctx context.Context, userID string) (*types.CredentialSnapshot, error) {
	cached, err := c.redis.Get(ctx, snapshotKeyPrefix+userID).Bytes()
	if err == nil {
		var snap types.CredentialSnapshot
		if err := json.Unmarshal(cached, &snap); err == nil {
			return &snap, nil
		}
	} else if err != redis.Nil {
		slog.Debug("snapshot cache read failed", "user_id", userID, "error", err)
	}

	snap, err := c.inner.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	if data, err := json.Marshal(snap); err == nil {
		if err := c.redis.Set(ctx, snapshotKeyPrefix+userID, data, snapshotCacheTTL).Err(); err != nil {
			slog.Debug("snapshot cache write failed", "user_id", userID, "error", err)
		}
	}
	return snap, nil
}

func (c *Cached) SaveSnapshot(ctx context.Context, snap *types.CredentialSnapshot) error {
	if err := c.inner.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := c.redis.Del(ctx, snapshotKeyPrefix+snap.UserID).Err(); err != nil {
		slog.Debug("snapshot cache invalidate failed", "user_id", snap.UserID, "error", err)
	}
	return nil
}

func (c *Cached) DefaultPolicy(ctx context.Context, userID string) (types.Policy, error) {
	return c.inner.DefaultPolicy(ctx, userID)
}

func (c *Cached) SetDefaultPolicy(ctx context.Context, userID string, p types.Policy) error {
	return c.inner.SetDefaultPolicy(ctx, userID, p)
}

func (c *Cached) ResolveAgentToken(ctx context.Context, token string) (string, error) {
	return c.inner.ResolveAgentToken(ctx, token)
}

func (c *Cached) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

func (c *Cached) Close() { c.inner.Close() }
