package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
	provider "github.com/niaga-platform/service-doudian/internal/providers/doudian"
)

const DefaultProductCacheTTL = time.Minute

// ProductLister lists a shop's products.
type ProductLister interface {
	List(ctx context.Context, profile, shopID string, param provider.ProductListParam) (*provider.ProductList, error)
}

// ProductCache serves repeated product list queries from Redis. Cache
// failures fall through to the platform.
type ProductCache struct {
	next   ProductLister
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// cachedProducts is the stored form of one page.
type cachedProducts struct {
	List     *provider.ProductList `json:"list"`
	CachedAt time.Time             `json:"cached_at"`
}

// NewProductCache wraps next. A nil client disables caching.
func NewProductCache(next ProductLister, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *ProductCache {
	if ttl <= 0 {
		ttl = DefaultProductCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductCache{
		next:   next,
		redis:  client,
		prefix: "doudian:products:",
		ttl:    ttl,
		logger: logger,
	}
}

func (c *ProductCache) shopPrefix(profile, shopID string) string {
	return c.prefix + doudian.NewTokenKey(profile, shopID).String() + ":"
}

func (c *ProductCache) cacheKey(profile, shopID string, param provider.ProductListParam) (string, error) {
	canonical, err := doudian.Canonicalize(param)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return c.shopPrefix(profile, shopID) + hex.EncodeToString(sum[:8]), nil
}

// List returns a cached page when present, otherwise asks next and caches
// the result.
func (c *ProductCache) List(ctx context.Context, profile, shopID string, param provider.ProductListParam) (*provider.ProductList, error) {
	if c.redis == nil {
		return c.next.List(ctx, profile, shopID, param)
	}

	key, err := c.cacheKey(profile, shopID, param)
	if err != nil {
		return nil, err
	}

	if list := c.get(ctx, key); list != nil {
		c.logger.Debug("cache hit for products", zap.String("profile", profile), zap.String("shop_id", shopID))
		return list, nil
	}

	list, err := c.next.List(ctx, profile, shopID, param)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, list)
	return list, nil
}

func (c *ProductCache) get(ctx context.Context, key string) *provider.ProductList {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("failed to get products from cache", zap.Error(err), zap.String("key", key))
		}
		return nil
	}

	var cached cachedProducts
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn("failed to unmarshal cached products", zap.Error(err))
		return nil
	}
	return cached.List
}

func (c *ProductCache) set(ctx context.Context, key string, list *provider.ProductList) {
	data, err := json.Marshal(cachedProducts{List: list, CachedAt: time.Now()})
	if err != nil {
		c.logger.Warn("failed to marshal products for cache", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to set products in cache", zap.Error(err), zap.String("key", key))
	}
}

// Invalidate removes every cached page of a shop. It returns the number of
// keys removed.
func (c *ProductCache) Invalidate(ctx context.Context, profile, shopID string) (int, error) {
	if c.redis == nil {
		return 0, nil
	}

	var keys []string
	iter := c.redis.Scan(ctx, 0, c.shopPrefix(profile, shopID)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to find cached products: %w", err)
	}

	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to invalidate product cache: %w", err)
	}
	c.logger.Debug("invalidated product cache",
		zap.String("profile", profile),
		zap.String("shop_id", shopID),
		zap.Int("keys_removed", len(keys)),
	)
	return len(keys), nil
}
