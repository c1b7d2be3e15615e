package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/metrics"
)

// ShopRefresher is the part of TokenManager the background refresher uses.
type ShopRefresher interface {
	ListAuthorizedShops(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error)
	RefreshIfDue(ctx context.Context, profile, shopID string) (bool, error)
	RefreshBuffer() time.Duration
}

// RefresherConfig holds configuration for the background refresher.
type RefresherConfig struct {
	Profiles      []string
	CheckInterval time.Duration // how often to check for expiring tokens
	Concurrency   int
}

// Refresher periodically refreshes tokens that are about to expire, so
// request paths rarely pay for a refresh.
type Refresher struct {
	manager ShopRefresher
	config  RefresherConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Lifecycle management
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewRefresher creates a new background refresher.
func NewRefresher(manager ShopRefresher, cfg RefresherConfig, logger *zap.Logger, m *metrics.Metrics) *Refresher {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = []string{doudian.DefaultProfile}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		manager: manager,
		config:  cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// Start begins the background refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("token refresher already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info("token refresher started",
		zap.Duration("check_interval", r.config.CheckInterval),
		zap.Duration("refresh_buffer", r.manager.RefreshBuffer()),
		zap.Strings("profiles", r.config.Profiles),
	)
	return nil
}

// Stop gracefully stops the refresher and waits for the current sweep.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	r.logger.Info("token refresher stopped")
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep refreshes every due shop of every profile once. It returns the
// number of tokens refreshed.
func (r *Refresher) Sweep(ctx context.Context) int {
	r.metrics.IncSweep()
	threshold := r.now().Add(r.manager.RefreshBuffer()).Unix()

	var (
		mu        sync.Mutex
		refreshed int
	)
	g := new(errgroup.Group)
	g.SetLimit(r.config.Concurrency)

	for _, profile := range r.config.Profiles {
		shops, err := r.manager.ListAuthorizedShops(ctx, profile)
		if err != nil {
			r.logger.Error("failed to list shops for refresh",
				zap.String("profile", profile),
				zap.Error(err),
			)
			continue
		}

		ids := make([]string, 0, len(shops))
		for id, s := range shops {
			if s.ExpiresAt <= threshold {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		if len(ids) == 0 {
			continue
		}

		r.logger.Info("found shops needing token refresh",
			zap.String("profile", profile),
			zap.Int("count", len(ids)),
		)

		for _, id := range ids {
			profile, id := profile, id
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				did, err := r.manager.RefreshIfDue(ctx, profile, id)
				if err != nil {
					r.logger.Error("failed to refresh shop token",
						zap.String("profile", profile),
						zap.String("shop_id", id),
						zap.Error(err),
					)
					return nil
				}
				if did {
					mu.Lock()
					refreshed++
					mu.Unlock()
				}
				return nil
			})
		}
	}

	_ = g.Wait()
	return refreshed
}
