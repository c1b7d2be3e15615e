package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

const (
	DefaultRedisPrefix = "doudian:token:"
	// DefaultRedisBuffer keeps a record readable long after the access token
	// expires so the refresh token can still be used.
	DefaultRedisBuffer = 14 * 24 * time.Hour
	defaultTokenTTL    = 2 * time.Hour
	extendWindow       = 30 * time.Minute
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Prefix     string
	BufferTime time.Duration
	ExtendTTL  time.Duration
	Logger     *zap.Logger
}

// RedisStore persists records in Redis.
//
// Layout per profile:
//
//	{prefix}{profile}:{shop}       record JSON, TTL expires_in + buffer
//	{prefix}info:{profile}:{shop}  summary JSON, same TTL
//	{prefix}shops:{profile}        set of shop ids
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	buffer    time.Duration
	extendTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.BufferTime == 0 {
		cfg.BufferTime = DefaultRedisBuffer
	}
	if cfg.ExtendTTL == 0 {
		cfg.ExtendTTL = defaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		prefix:    cfg.Prefix,
		buffer:    cfg.BufferTime,
		extendTTL: cfg.ExtendTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (r *RedisStore) WithClock(now func() time.Time) *RedisStore {
	r.now = now
	return r
}

func (r *RedisStore) recordKey(key doudian.TokenKey) string {
	return r.prefix + "record:" + normalizeProfile(key.Profile) + ":" + key.ShopID
}

func (r *RedisStore) infoKey(key doudian.TokenKey) string {
	return r.prefix + "info:" + normalizeProfile(key.Profile) + ":" + key.ShopID
}

func (r *RedisStore) shopsKey(profile string) string {
	return r.prefix + "shops:" + normalizeProfile(profile)
}

func (r *RedisStore) ttlFor(rec *doudian.TokenRecord) time.Duration {
	base := time.Duration(rec.ExpiresIn) * time.Second
	if base <= 0 {
		base = defaultTokenTTL
	}
	return base + r.buffer
}

// Store writes the record, its summary and the shop set in one transaction.
func (r *RedisStore) Store(ctx context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) error {
	if rec == nil {
		return ErrNilRecord
	}
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	info, err := json.Marshal(rec.Summary(r.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal shop summary: %w", err)
	}

	ttl := r.ttlFor(rec)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(key), data, ttl)
		pipe.Set(ctx, r.infoKey(key), info, ttl)
		pipe.SAdd(ctx, r.shopsKey(key.Profile), key.ShopID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token in redis: %w", err)
	}
	return nil
}

// Get reads a record. Near expiry the key TTL is extended so the refresh
// token outlives a slow refresh.
func (r *RedisStore) Get(ctx context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error) {
	k := r.recordKey(key)
	data, err := r.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token from redis: %w", err)
	}

	var rec doudian.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		r.logger.Warn("discarding unreadable token record",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		return nil, nil
	}

	r.extendIfExpiring(ctx, k, &rec)
	return &rec, nil
}

func (r *RedisStore) extendIfExpiring(ctx context.Context, k string, rec *doudian.TokenRecord) {
	remaining := time.Duration(rec.ExpiresAt-r.now().Unix()) * time.Second
	if remaining <= 0 || remaining > extendWindow {
		return
	}
	ttl, err := r.client.TTL(ctx, k).Result()
	if err != nil || ttl < 0 || ttl >= r.extendTTL {
		return
	}
	if err := r.client.Expire(ctx, k, r.extendTTL).Err(); err != nil {
		r.logger.Warn("failed to extend token ttl", zap.String("key", k), zap.Error(err))
	}
}

// Delete removes the record, its summary and its set membership.
func (r *RedisStore) Delete(ctx context.Context, key doudian.TokenKey) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.recordKey(key))
		pipe.Del(ctx, r.infoKey(key))
		pipe.SRem(ctx, r.shopsKey(key.Profile), key.ShopID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete token from redis: %w", err)
	}
	return del.Val() > 0, nil
}

// List returns summaries of every shop in the profile. Shops whose keys
// have expired out of Redis are pruned from the set.
func (r *RedisStore) List(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error) {
	shopIDs, err := r.client.SMembers(ctx, r.shopsKey(profile)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list shops from redis: %w", err)
	}
	out := make(map[string]doudian.ShopSummary, len(shopIDs))
	if len(shopIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(shopIDs))
	for i, id := range shopIDs {
		keys[i] = r.infoKey(doudian.TokenKey{Profile: profile, ShopID: id})
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read shop summaries from redis: %w", err)
	}

	now := r.now()
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, shopIDs[i])
			continue
		}
		var sum doudian.ShopSummary
		if err := json.Unmarshal([]byte(s), &sum); err != nil {
			r.logger.Warn("discarding unreadable shop summary",
				zap.String("shop_id", shopIDs[i]),
				zap.Error(err),
			)
			continue
		}
		out[shopIDs[i]] = sum.WithExpiry(now)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.shopsKey(profile), stale...).Err(); err != nil {
			r.logger.Warn("failed to prune stale shops", zap.Error(err))
		}
	}
	return out, nil
}

func (r *RedisStore) Exists(ctx context.Context, key doudian.TokenKey) (bool, error) {
	n, err := r.client.Exists(ctx, r.recordKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token existence in redis: %w", err)
	}
	return n > 0, nil
}

// StoreStats summarizes a profile's records.
type StoreStats struct {
	TotalShops   int           `json:"total_shops"`
	ActiveShops  int           `json:"active_shops"`
	ExpiredShops int           `json:"expired_shops"`
	MemoryUsed   string        `json:"memory_used"`
	KeyPrefix    string        `json:"key_prefix"`
	BufferTime   time.Duration `json:"buffer_time"`
}

// Stats reports shop counts and Redis memory usage.
func (r *RedisStore) Stats(ctx context.Context, profile string) (*StoreStats, error) {
	shops, err := r.List(ctx, profile)
	if err != nil {
		return nil, err
	}
	stats := &StoreStats{
		TotalShops: len(shops),
		MemoryUsed: "N/A",
		KeyPrefix:  r.prefix,
		BufferTime: r.buffer,
	}
	for _, s := range shops {
		if s.IsExpired {
			stats.ExpiredShops++
		} else {
			stats.ActiveShops++
		}
	}

	if info, err := r.client.Info(ctx, "memory").Result(); err == nil {
		if v := infoField(info, "used_memory_human"); v != "" {
			stats.MemoryUsed = v
		}
	}
	return stats, nil
}

func infoField(info, field string) string {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), field+":"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
