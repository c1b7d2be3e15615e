package doudian

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/metrics"
)

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	// Name identifies this breaker in metrics and logs.
	Name string

	// MaxRequests allowed in the half-open state. 0 means 1.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for clearing counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before moving to half-open.
	Timeout time.Duration

	// FailureRatio of failures to total requests that trips the breaker.
	FailureRatio float64

	// MinRequests needed before the failure ratio is evaluated.
	MinRequests uint32
}

// DefaultBreakerConfig returns sensible defaults for a circuit breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// errServerStatus marks a 5xx response as a breaker failure while the
// response itself still reaches the caller.
var errServerStatus = errors.New("server error status")

// BreakerTransport wraps a Transport with circuit breaker protection.
// Transport failures and 5xx responses count as failures.
type BreakerTransport struct {
	next    Transport
	breaker *gobreaker.CircuitBreaker[*TransportResponse]
	name    string
}

// NewBreakerTransport wraps next with a circuit breaker.
func NewBreakerTransport(next Transport, cfg BreakerConfig, logger *zap.Logger, m *metrics.Metrics) *BreakerTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.SetBreakerState(name, to)
		},
	}
	m.SetBreakerState(cfg.Name, gobreaker.StateClosed)

	return &BreakerTransport{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[*TransportResponse](settings),
		name:    cfg.Name,
	}
}

func (b *BreakerTransport) RoundTrip(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	resp, err := b.breaker.Execute(func() (*TransportResponse, error) {
		resp, err := b.next.RoundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.TransportError{Op: "breaker " + b.name, URL: redactURL(req.URL), Err: err}
	}
	return resp, err
}

// State returns the current state of the circuit breaker.
func (b *BreakerTransport) State() gobreaker.State {
	return b.breaker.State()
}
