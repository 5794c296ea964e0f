package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache wraps a Resolver and keeps fetched asset bytes in Redis so that
// remote content is downloaded once per TTL. Cache failures never fail a
// load; they fall through to the wrapped resolver.
type RedisCache struct {
	next     Resolver
	client   *redis.Client
	ttl      time.Duration
	maxBytes int64
	log      *zap.Logger
}

func NewRedisCache(next Resolver, client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{
		next:     next,
		client:   client,
		ttl:      ttl,
		maxBytes: 64 << 20,
		log:      log.Named("content.cache"),
	}
}

func cacheKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return "beatmix:content:" + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	key := cacheKey(ref)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		c.log.Debug("cache hit", zap.String("ref", ref), zap.Int("bytes", len(data)))
		return io.NopCloser(bytes.NewReader(data)), nil
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("cache read failed", zap.String("ref", ref), zap.Error(err))
	}

	rc, err := c.next.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, unavailable(ref, err)
	}
	if int64(len(data)) <= c.maxBytes {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn("cache write failed", zap.String("ref", ref), zap.Error(err))
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
