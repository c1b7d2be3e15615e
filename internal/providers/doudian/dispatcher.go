package doudian

import (
	"context"
	"errors"

	"go.uber.org/zap"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/metrics"
)

// TokenSource hands out shop access tokens and refreshes them on demand.
type TokenSource interface {
	GetShopAccessToken(ctx context.Context, profile, shopID string) (*domain.AccessToken, error)
	RefreshShopAccessToken(ctx context.Context, profile, shopID string) (*domain.AccessToken, error)
}

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Clients ClientProvider
	Tokens  TokenSource
	Policy  *domain.RetryPolicy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Dispatcher performs authenticated calls on behalf of a shop, retrying
// configured response codes and refreshing the token when a code says it
// is stale.
type Dispatcher struct {
	clients ClientProvider
	tokens  TokenSource
	policy  *domain.RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. A nil policy means DefaultRetryPolicy.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	policy := cfg.Policy
	if policy == nil {
		policy = domain.DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		clients: cfg.Clients,
		tokens:  cfg.Tokens,
		policy:  policy,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Do sends req for the shop. When attempts run out on a retryable code
// the last response is returned without an error; callers inspect it.
// If ctx is cancelled between attempts, ctx.Err() is returned together
// with the last response seen.
func (d *Dispatcher) Do(ctx context.Context, profile, shopID string, req Request) (*Response, error) {
	client, err := d.clients.Client(profile)
	if err != nil {
		return nil, err
	}

	var (
		last     *Response
		tokenErr error
	)
	maxAttempts := d.policy.MaxAttempts()

	result := domain.NewExecutor(d.policy).Execute(ctx, func(ctx context.Context, attempt int) (bool, error) {
		// resolved every attempt so a token rotated elsewhere is picked up
		tok, err := d.tokens.GetShopAccessToken(ctx, profile, shopID)
		if err != nil {
			tokenErr = err
			return false, err
		}

		resp, err := client.Execute(ctx, req, tok.AccessToken())
		if err != nil {
			if errors.Is(err, domain.ErrTransport) && d.policy.RetryOnTransportError() {
				if attempt < maxAttempts {
					d.metrics.IncRetry(req.Path, "transport")
				}
				return true, err
			}
			return false, err
		}
		last = resp

		code := domain.ErrorCode(resp.Code)
		if !d.policy.IsRetryableCode(code) || attempt >= maxAttempts {
			return false, nil
		}

		if d.policy.RequiresRefresh(code) {
			if _, err := d.tokens.RefreshShopAccessToken(ctx, profile, shopID); err != nil {
				d.logger.Warn("token refresh during dispatch failed",
					zap.String("profile", profile),
					zap.String("shop_id", shopID),
					zap.String("path", req.Path),
					zap.Error(err),
				)
				tokenErr = err
				return false, err
			}
			d.metrics.IncRetry(req.Path, "token")
		} else {
			d.metrics.IncRetry(req.Path, "code")
		}

		d.logger.Info("retrying doudian request",
			zap.String("profile", profile),
			zap.String("shop_id", shopID),
			zap.String("path", req.Path),
			zap.Int("code", resp.Code),
			zap.Int("attempt", attempt),
		)
		return true, nil
	})

	if result.Cancelled {
		return last, result.LastError
	}
	if tokenErr != nil {
		return nil, tokenErr
	}

	if err := result.LastError; err != nil {
		if errors.Is(err, domain.ErrTransport) && d.policy.RetryOnTransportError() && last != nil {
			return last, nil
		}
		d.logger.Error("doudian request failed",
			zap.String("profile", profile),
			zap.String("shop_id", shopID),
			zap.String("path", req.Path),
			zap.Int("attempts", result.Attempts),
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)
		return nil, err
	}

	return last, nil
}
