package doudian

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

func TestClientFactoryResolvesProfiles(t *testing.T) {
	f := NewClientFactory(FactoryConfig{
		Default: ProfileConfig{AppKey: "dk", AppSecret: "ds"},
		Profiles: map[string]ProfileConfig{
			"shop_a": {AppKey: "ak", AppSecret: "as"},
		},
		Breaker:   &BreakerConfig{Name: "ignored", MinRequests: 5, FailureRatio: 0.5},
		RateLimit: &domain.RateLimitConfig{DefaultRPS: 10, DefaultBurst: 10},
		Transport: &scriptedTransport{},
	})

	def, err := f.Client("")
	require.NoError(t, err)
	assert.Equal(t, "default", def.Profile())
	assert.Equal(t, "dk", def.Signature().AppKey())

	a, err := f.Client("shop_a")
	require.NoError(t, err)
	assert.Equal(t, "ak", a.Signature().AppKey())
	assert.IsType(t, &BreakerTransport{}, a.transport)
	assert.NotNil(t, a.limiter)

	again, err := f.Client("shop_a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	unknown, err := f.Client("missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", unknown.Profile())
	assert.Equal(t, "dk", unknown.Signature().AppKey())

	assert.Equal(t, []string{"default", "shop_a"}, f.Profiles())
}

func TestClientFactoryWithoutCredentials(t *testing.T) {
	f := NewClientFactory(FactoryConfig{})
	_, err := f.Client("default")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
}
