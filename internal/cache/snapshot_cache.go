package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"Listd/internal/dto"
)

const keySnapshot = "list:snapshot:"

// SnapshotCache caches full list snapshots in Redis so reconnect storms do not
// all hit Postgres. Invalidated on every accepted write.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache returns a new SnapshotCache.
func NewSnapshotCache(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached snapshot or nil on miss.
func (c *SnapshotCache) Get(ctx context.Context, listID string) (*dto.Snapshot, error) {
	b, err := c.rdb.Get(ctx, keySnapshot+listID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap dto.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Set stores the snapshot.
func (c *SnapshotCache) Set(ctx context.Context, listID string, snap dto.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keySnapshot+listID, b, c.ttl).Err()
}

// Invalidate drops the cached snapshot for the list.
func (c *SnapshotCache) Invalidate(ctx context.Context, listID string) error {
	return c.rdb.Del(ctx, keySnapshot+listID).Err()
}
