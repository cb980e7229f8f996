package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-session/metrics"
)

const linkPrefix = "link:"

// Cached remembers resolved URLs in Redis. Redis failures never fail a
// lookup: they are logged and the inner resolver answers.
type Cached struct {
	rdb    redis.Cmdable
	inner  Resolver
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(rdb redis.Cmdable, inner Resolver, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{rdb: rdb, inner: inner, ttl: ttl, logger: logger.With(zap.String("component", "link-cache"))}
}

func cacheKey(recordID, objectKind string) string {
	return fmt.Sprintf("%s%s:%s", linkPrefix, objectKind, recordID)
}

func (c *Cached) Resolve(ctx context.Context, recordID, objectKind string) (string, error) {
	if recordID == "" {
		return "", ErrEmptyRecordID
	}
	key := cacheKey(recordID, objectKind)

	u, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && u != "":
		metrics.LinkResolutions.WithLabelValues("cache_hit").Inc()
		return u, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.logger.Warn("link cache read failed", zap.String("key", key), zap.Error(err))
	}

	u, err = c.inner.Resolve(ctx, recordID, objectKind)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, key, u, c.ttl).Err(); err != nil {
		c.logger.Warn("link cache write failed", zap.String("key", key), zap.Error(err))
	}
	return u, nil
}
