package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache mirrors serialised project snapshots so a reload does not
// need the remote store. Entries expire after ttl.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{client: client, prefix: "inkwell:snapshot:", ttl: ttl}
}

func (c *SnapshotCache) key(projectID string) string {
	return c.prefix + projectID
}

func (c *SnapshotCache) Put(ctx context.Context, projectID string, payload []byte) error {
	if err := c.client.Set(ctx, c.key(projectID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot %s: %w", projectID, err)
	}
	return nil
}

// Get returns the cached snapshot; ok is false on a miss.
func (c *SnapshotCache) Get(ctx context.Context, projectID string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.key(projectID)).Bytes()
	if isMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached snapshot %s: %w", projectID, err)
	}
	return payload, true, nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context, projectID string) error {
	if err := c.client.Del(ctx, c.key(projectID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot %s: %w", projectID, err)
	}
	return nil
}
