package doudian

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds per path-prefix request budgets.
type RateLimitConfig struct {
	DefaultRPS   float64
	DefaultBurst int
	PathLimits   map[string]PathLimit
}

// PathLimit defines the budget for one API path prefix.
type PathLimit struct {
	RPS   float64
	Burst int
}

// DefaultRateLimitConfig returns conservative budgets for the open API.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		DefaultRPS:   20,
		DefaultBurst: 40,
		PathLimits: map[string]PathLimit{
			"/token/":   {RPS: 5, Burst: 10},
			"/product/": {RPS: 20, Burst: 40},
			"/order/":   {RPS: 20, Burst: 40},
		},
	}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	rate       float64
	lastRefill time.Time
}

// reserve takes one token and returns how long the caller must wait for it.
func (b *bucket) reserve(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastRefill = now

	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.rate * float64(time.Second))
}

// RateLimiter is a token bucket limiter keyed by API path prefix.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	prefixes []string
	config   RateLimitConfig
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	prefixes := make([]string, 0, len(config.PathLimits))
	for p := range config.PathLimits {
		prefixes = append(prefixes, p)
	}
	// longest prefix wins
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		prefixes: prefixes,
		config:   config,
		now:      time.Now,
	}
}

// Wait blocks until a request for path may be sent.
func (rl *RateLimiter) Wait(ctx context.Context, path string) error {
	wait := rl.bucketFor(path).reserve(rl.now())
	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rl *RateLimiter) bucketFor(path string) *bucket {
	key, limit := "default", PathLimit{RPS: rl.config.DefaultRPS, Burst: rl.config.DefaultBurst}
	for _, p := range rl.prefixes {
		if strings.HasPrefix(path, p) {
			key, limit = p, rl.config.PathLimits[p]
			break
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[key]; ok {
		return b
	}
	if limit.RPS <= 0 {
		limit.RPS = 1
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	b := &bucket{
		tokens:     float64(limit.Burst),
		max:        float64(limit.Burst),
		rate:       limit.RPS,
		lastRefill: rl.now(),
	}
	rl.buckets[key] = b
	return b
}
