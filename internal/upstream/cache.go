package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "gw:cache:"

// Cache is a Redis read-through for unary tool responses. Store failures
// are swallowed: a broken cache degrades to calling the tool.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache wraps the shared Redis client. ttl bounds response staleness.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) Get(ctx context.Context, toolID, intent string) (json.RawMessage, bool) {
	body, err := c.rdb.Get(ctx, cacheKey(toolID, intent)).Bytes()
	if err != nil {
		return nil, false
	}
	return body, true
}

func (c *Cache) Put(ctx context.Context, toolID, intent string, body json.RawMessage) {
	c.rdb.Set(ctx, cacheKey(toolID, intent), []byte(body), c.ttl)
}

func cacheKey(toolID, intent string) string {
	sum := sha256.Sum256([]byte(intent))
	return cacheKeyPrefix + toolID + ":" + hex.EncodeToString(sum[:16])
}
