// Package idempotency deduplicates ledger submissions per entity key. The
// cache is advisory: when the backing store is down every lookup degrades to
// "cannot deduplicate" instead of failing the pipeline.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medibridge/hms-backend/pkg/enums"
	"github.com/medibridge/hms-backend/pkg/logger"
	"github.com/medibridge/hms-backend/pkg/redis"
)

const (
	submissionScope = "submission"
	blobScope       = "blob"
)

// Cache wraps the shared key-value store with namespaced submission and
// blob dedup keys.
type Cache struct {
	store redis.IdempotencyStore
	logg  *logger.Logger
}

// NewCache builds the dedup cache.
func NewCache(store redis.IdempotencyStore, logg *logger.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Cache{store: store, logg: logg}, nil
}

// SubmissionKey names the dedup entry for one (entityType, entityId) pair.
func (c *Cache) SubmissionKey(entityType enums.EntityType, entityID string) string {
	return c.store.IdempotencyKey(submissionScope, fmt.Sprintf("%s:%s", entityType, entityID))
}

// BlobKey names the dedup entry for a content-addressed resource.
func (c *Cache) BlobKey(contentHash string) string {
	return c.store.IdempotencyKey(blobScope, contentHash)
}

// Exists reports whether a reference was recorded under key. Store failures
// degrade to false.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	found, err := c.store.Exists(ctx, key)
	if err != nil {
		c.warn(ctx, key, "idempotency exists check failed", err)
		return false
	}
	return found
}

// Get returns the recorded transaction reference, if any. Store failures
// degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.store.Get(ctx, key)
	if err != nil {
		if !redis.IsNil(err) {
			c.warn(ctx, key, "idempotency lookup failed", err)
		}
		return "", false
	}
	if value == "" {
		return "", false
	}
	return value, true
}

// Put records the transaction reference for key with the supplied TTL.
// Best-effort: a store failure is logged, not returned.
func (c *Cache) Put(ctx context.Context, key, reference string, ttl time.Duration) {
	if reference == "" {
		return
	}
	if err := c.store.Set(ctx, key, reference, ttl); err != nil {
		c.warn(ctx, key, "idempotency record failed", err)
	}
}

func (c *Cache) warn(ctx context.Context, key, msg string, err error) {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"cache_key": key,
		"error":     err.Error(),
	})
	c.logg.Warn(logCtx, msg)
}
