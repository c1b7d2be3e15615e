package doudian

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/metrics"
)

// FactoryConfig holds configuration for the client factory.
type FactoryConfig struct {
	Default  ProfileConfig
	Profiles map[string]ProfileConfig

	// Breaker wraps each profile's transport when set.
	Breaker *BreakerConfig
	// RateLimit gives each profile its own limiter when set.
	RateLimit *domain.RateLimitConfig
	// Transport replaces the HTTP transport for every profile, for tests.
	Transport Transport

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// ClientFactory creates and caches one Client per profile. Unknown
// profile names fall back to the default profile.
type ClientFactory struct {
	cfg     FactoryConfig
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientFactory creates a new client factory.
func NewClientFactory(cfg FactoryConfig) *ClientFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientFactory{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Client returns the client for profile, creating it on first use.
func (f *ClientFactory) Client(profile string) (*Client, error) {
	if profile == "" {
		profile = domain.DefaultProfile
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[profile]; ok {
		return c, nil
	}

	pc, ok := f.resolve(profile)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, profile)
	}

	transport := f.cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(HTTPTransportConfig{
			ConnectTimeout: pc.ConnectTimeout,
			ReadTimeout:    pc.ReadTimeout,
		})
	}
	if f.cfg.Breaker != nil {
		bc := *f.cfg.Breaker
		bc.Name = "doudian-" + profile
		transport = NewBreakerTransport(transport, bc, f.logger, f.cfg.Metrics)
	}

	var limiter *domain.RateLimiter
	if f.cfg.RateLimit != nil {
		limiter = domain.NewRateLimiter(*f.cfg.RateLimit)
	}

	c, err := NewClient(ClientConfig{
		Profile:     pc,
		Transport:   transport,
		RateLimiter: limiter,
		Logger:      f.logger,
		Metrics:     f.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	f.clients[profile] = c
	f.logger.Info("Created doudian client", zap.String("profile", profile))
	return c, nil
}

// Signature returns the signer of profile's credentials.
func (f *ClientFactory) Signature(profile string) (*domain.Signature, error) {
	c, err := f.Client(profile)
	if err != nil {
		return nil, err
	}
	return c.Signature(), nil
}

func (f *ClientFactory) resolve(profile string) (ProfileConfig, bool) {
	pc, ok := f.cfg.Profiles[profile]
	if !ok || profile == domain.DefaultProfile {
		pc = f.cfg.Default
	}
	if pc.AppKey == "" || pc.AppSecret == "" {
		return ProfileConfig{}, false
	}
	pc.Name = profile
	return pc, true
}

// Profiles lists the default profile followed by the named ones.
func (f *ClientFactory) Profiles() []string {
	names := make([]string, 0, len(f.cfg.Profiles)+1)
	for name := range f.cfg.Profiles {
		if name != domain.DefaultProfile {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{domain.DefaultProfile}, names...)
}
