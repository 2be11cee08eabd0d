// Package redis caches embeddings in Redis in front of an embedding
// service.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/pkg/fingerprint"
)

const cacheType = "embedding"

// EmbeddingCache is an EmbeddingService that consults Redis before the
// wrapped service. Cache failures degrade to a direct call.
type EmbeddingCache struct {
	client redis.UniversalClient
	next   capability.EmbeddingService
	model  string
	ttl    time.Duration
	log    *zap.Logger
}

var _ capability.EmbeddingService = (*EmbeddingCache)(nil)

// NewEmbeddingCache keys entries by model so a model change never serves
// vectors of the wrong dimension.
func NewEmbeddingCache(client redis.UniversalClient, next capability.EmbeddingService, model string, ttl time.Duration, log *zap.Logger) *EmbeddingCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmbeddingCache{client: client, next: next, model: model, ttl: ttl, log: log}
}

func (c *EmbeddingCache) key(text string) string {
	return fmt.Sprintf("embedding:%s:%s", c.model, fingerprint.HashString(text))
}

func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	embedding, found, err := c.get(ctx, key)
	if err != nil {
		c.log.Warn("Embedding cache read failed", zap.Error(err))
	}
	if found {
		metrics.CacheHits.WithLabelValues(cacheType).Inc()
		return embedding, nil
	}
	metrics.CacheMisses.WithLabelValues(cacheType).Inc()

	embedding, err = c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.set(ctx, key, embedding); err != nil {
		c.log.Warn("Embedding cache write failed", zap.Error(err))
	}
	return embedding, nil
}

func (c *EmbeddingCache) get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	c.log.Debug("Embedding cache hit", zap.String("key", key))
	return embedding, true, nil
}

func (c *EmbeddingCache) set(ctx context.Context, key string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

// Invalidate drops every cached embedding for the configured model.
func (c *EmbeddingCache) Invalidate(ctx context.Context) (int, error) {
	var removed int
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("embedding:%s:*", c.model), 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.log.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	c.log.Info("Embedding cache invalidated", zap.String("model", c.model), zap.Int("removed", removed))
	return removed, nil
}

// HealthCheck reports the wrapped service; Redis trouble only slows it down.
func (c *EmbeddingCache) HealthCheck(ctx context.Context) capability.HealthStatus {
	return c.next.HealthCheck(ctx)
}
