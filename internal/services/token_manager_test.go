package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/events"
	"github.com/niaga-platform/service-doudian/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func issued(access, refresh string, expiresIn int64, shopID string) *doudian.AccessToken {
	body := fmt.Sprintf(`{"code":10000,"msg":"success","data":{"access_token":%q,"refresh_token":%q,"expires_in":%d,"scope":"SCOPE","shop_id":%q,"shop_name":"Shop %s"}}`,
		access, refresh, expiresIn, shopID, shopID)
	tok, err := doudian.WrapAccessToken([]byte(body))
	if err != nil {
		panic(err)
	}
	return tok
}

func rejected(code int, msg string) *doudian.AccessToken {
	tok, err := doudian.WrapAccessToken([]byte(fmt.Sprintf(`{"code":%d,"msg":%q}`, code, msg)))
	if err != nil {
		panic(err)
	}
	return tok
}

type fakeIssuer struct {
	mu            sync.Mutex
	refreshTokens []string
	delay         time.Duration
	refresh       func(n int, refreshToken string) (*doudian.AccessToken, error)
	create        func(code string) (*doudian.AccessToken, error)
	createSelf    func(shopID string) (*doudian.AccessToken, error)
}

func (f *fakeIssuer) CreateToken(ctx context.Context, profile, code string) (*doudian.AccessToken, error) {
	return f.create(code)
}

func (f *fakeIssuer) CreateTokenForShop(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error) {
	return f.createSelf(shopID)
}

func (f *fakeIssuer) RefreshToken(ctx context.Context, profile, refreshToken string) (*doudian.AccessToken, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.refreshTokens = append(f.refreshTokens, refreshToken)
	n := len(f.refreshTokens)
	f.mu.Unlock()
	return f.refresh(n, refreshToken)
}

func (f *fakeIssuer) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshTokens)
}

type staticSigners struct{}

func (staticSigners) Signature(profile string) (*doudian.Signature, error) {
	if profile == "unknown" {
		return nil, doudian.ErrProfileNotFound
	}
	return doudian.NewSignature("key123", "secret"), nil
}

// sequentialRefresh issues "T<n>"/"R<n>" pairs valid for two hours.
func sequentialRefresh(n int, _ string) (*doudian.AccessToken, error) {
	return issued(fmt.Sprintf("T%d", n), fmt.Sprintf("R%d", n), 7200, "1001"), nil
}

type managerFixture struct {
	manager *TokenManager
	issuer  *fakeIssuer
	store   *storage.MemoryStore
	clock   *testClock
	events  *events.ChannelObserver
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	clock := newTestClock()
	store := storage.NewMemoryStore().WithClock(clock.Now)
	issuer := &fakeIssuer{refresh: sequentialRefresh}
	ch := events.NewChannelObserver(16)
	notifier := events.NewNotifier(nil, ch)

	m := NewTokenManager(TokenManagerConfig{}, issuer, staticSigners{}, store, notifier, nil).WithClock(clock.Now)
	return &managerFixture{manager: m, issuer: issuer, store: store, clock: clock, events: ch}
}

func (f *managerFixture) seed(t *testing.T, shopID string) *doudian.TokenRecord {
	t.Helper()
	rec := doudian.NewTokenRecord(issued("A", "R", 7200, shopID), shopID, f.clock.Now())
	require.NoError(t, f.store.Store(context.Background(), doudian.NewTokenKey("", shopID), rec))
	return rec
}

func TestGetShopAccessTokenRefreshesNearExpiry(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	rec := f.seed(t, "1001")

	tok, err := f.manager.GetShopAccessToken(ctx, "", "1001")
	require.NoError(t, err)
	assert.Equal(t, "A", tok.AccessToken())
	assert.Zero(t, f.issuer.refreshCount())

	f.clock.Set(time.Unix(rec.ExpiresAt-200, 0))
	tok, err = f.manager.GetShopAccessToken(ctx, "", "1001")
	require.NoError(t, err)
	assert.Equal(t, "T1", tok.AccessToken())
	assert.Equal(t, 1, f.issuer.refreshCount())
	assert.Equal(t, []string{"R"}, f.issuer.refreshTokens)

	stored, err := f.store.Get(ctx, doudian.NewTokenKey("", "1001"))
	require.NoError(t, err)
	assert.Equal(t, "R1", stored.RefreshToken)
	assert.Equal(t, stored.UpdatedAt+stored.ExpiresIn, stored.ExpiresAt)
	assert.Equal(t, rec.CreatedAt, stored.CreatedAt)

	// inside the new window no further refresh happens
	tok, err = f.manager.GetShopAccessToken(ctx, "", "1001")
	require.NoError(t, err)
	assert.Equal(t, "T1", tok.AccessToken())
	assert.Equal(t, 1, f.issuer.refreshCount())

	ev := <-f.events.Events()
	assert.Equal(t, "1001", ev.ShopID)
	assert.Equal(t, "default", ev.Profile)
	assert.Equal(t, "T1", ev.Token.AccessToken())
}

func TestGetShopAccessTokenUnknownShop(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.GetShopAccessToken(context.Background(), "", "404")
	assert.ErrorIs(t, err, doudian.ErrShopNotAuthorized)
	assert.True(t, IsReauthorization(err))
}

func TestRefreshFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		refresh func(int, string) (*doudian.AccessToken, error)
		cause   error
	}{
		{
			name:    "platform rejects refresh token",
			refresh: func(int, string) (*doudian.AccessToken, error) { return rejected(30002, "refresh token expired"), nil },
			cause:   doudian.ErrTokenInvalid,
		},
		{
			name: "transport failure",
			refresh: func(int, string) (*doudian.AccessToken, error) {
				return nil, &doudian.TransportError{Op: "POST", URL: "https://gw", Err: errors.New("timeout")}
			},
			cause: doudian.ErrTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			f.issuer.refresh = tt.refresh
			f.seed(t, "1001")
			ctx := context.Background()

			_, err := f.manager.RefreshShopAccessToken(ctx, "", "1001")
			assert.ErrorIs(t, err, doudian.ErrNeedsReauthorization)
			assert.ErrorIs(t, err, tt.cause)

			rec, err := f.store.Get(ctx, doudian.NewTokenKey("", "1001"))
			require.NoError(t, err)
			assert.Nil(t, rec)

			_, err = f.manager.GetShopAccessToken(ctx, "", "1001")
			assert.ErrorIs(t, err, doudian.ErrShopNotAuthorized)
			assert.Len(t, f.events.Events(), 0)
		})
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	rec := doudian.NewTokenRecord(doudian.ParseAccessToken("A"), "1001", f.clock.Now())
	require.NoError(t, f.store.Store(ctx, doudian.NewTokenKey("", "1001"), rec))

	_, err := f.manager.RefreshShopAccessToken(ctx, "", "1001")
	assert.ErrorIs(t, err, doudian.ErrNeedsReauthorization)
	assert.Zero(t, f.issuer.refreshCount())

	// the session is over, not left behind to fail on every request
	got, err := f.store.Get(ctx, doudian.NewTokenKey("", "1001"))
	require.NoError(t, err)
	assert.Nil(t, got)

	shops, err := f.manager.ListAuthorizedShops(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, shops)

	_, err = f.manager.GetShopAccessToken(ctx, "", "1001")
	assert.ErrorIs(t, err, doudian.ErrShopNotAuthorized)
}

func TestConcurrentGetRefreshesOnce(t *testing.T) {
	f := newManagerFixture(t)
	f.issuer.delay = 20 * time.Millisecond
	rec := f.seed(t, "1001")
	f.clock.Set(time.Unix(rec.ExpiresAt-60, 0))

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := f.manager.GetShopAccessToken(context.Background(), "", "1001")
			if assert.NoError(t, err) {
				tokens[i] = tok.AccessToken()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.issuer.refreshCount())
	for _, tok := range tokens {
		assert.Equal(t, "T1", tok)
	}
	assert.Zero(t, f.manager.locks.Len())
}

func TestObserverFailureDoesNotFailRefresh(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.notifier.Subscribe(events.ObserverFunc(func(context.Context, events.RefreshEvent) error {
		return errors.New("subscriber down")
	}))
	f.seed(t, "1001")

	tok, err := f.manager.RefreshShopAccessToken(context.Background(), "", "1001")
	require.NoError(t, err)
	assert.Equal(t, "T1", tok.AccessToken())
}

func TestHandleAuthorizationCallback(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.issuer.create = func(code string) (*doudian.AccessToken, error) {
		if code == "bad" {
			return rejected(40004, "invalid code"), nil
		}
		return issued("A", "R", 7200, "555"), nil
	}

	tok, err := f.manager.HandleAuthorizationCallback(ctx, "", "good", "")
	require.NoError(t, err)
	assert.True(t, tok.IsSuccess())
	rec, err := f.store.Get(ctx, doudian.NewTokenKey("", "555"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, f.clock.Now().Unix()+7200, rec.ExpiresAt)

	_, err = f.manager.HandleAuthorizationCallback(ctx, "shop_b", "good", "override")
	require.NoError(t, err)
	ok, err := f.store.Exists(ctx, doudian.NewTokenKey("shop_b", "override"))
	require.NoError(t, err)
	assert.True(t, ok)

	tok, err = f.manager.HandleAuthorizationCallback(ctx, "", "bad", "777")
	require.NoError(t, err)
	assert.False(t, tok.IsSuccess())
	ok, err = f.store.Exists(ctx, doudian.NewTokenKey("", "777"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthorizeSelf(t *testing.T) {
	f := newManagerFixture(t)
	f.issuer.createSelf = func(shopID string) (*doudian.AccessToken, error) {
		return issued("S", "SR", 3600, shopID), nil
	}

	tok, err := f.manager.AuthorizeSelf(context.Background(), "", "9009")
	require.NoError(t, err)
	assert.Equal(t, "S", tok.AccessToken())

	info, err := f.manager.GetShopInfo(context.Background(), "", "9009")
	require.NoError(t, err)
	assert.Equal(t, "Shop 9009", info.ShopName)
	assert.False(t, info.IsExpired)
}

func TestAuthorizationURL(t *testing.T) {
	f := newManagerFixture(t)

	raw, err := f.manager.AuthorizationURL("", "https://example.com/cb", "xyz")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, DefaultAuthorizeURL+"?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "key123", q.Get("app_key"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://example.com/cb", q.Get("redirect_uri"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Equal(t, "trade_basic,product_basic", q.Get("scope"))

	raw, err = f.manager.AuthorizationURL("", "https://example.com/cb", "")
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Len(t, u.Query().Get("state"), 32)

	_, err = f.manager.AuthorizationURL("unknown", "https://example.com/cb", "")
	assert.ErrorIs(t, err, doudian.ErrProfileNotFound)
}

func TestAuthorizationURLPerProfile(t *testing.T) {
	m := NewTokenManager(TokenManagerConfig{
		AuthorizeURLs: map[string]string{"sandbox": "https://sandbox.example.com/oauth"},
	}, &fakeIssuer{}, staticSigners{}, storage.NewMemoryStore(), events.NewNotifier(nil), nil)

	raw, err := m.AuthorizationURL("sandbox", "https://example.com/cb", "s")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "https://sandbox.example.com/oauth?"))

	raw, err = m.AuthorizationURL("other", "https://example.com/cb", "s")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, DefaultAuthorizeURL+"?"))
}

func TestStoreStatsFromSummaries(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.seed(t, "1")
	rec := f.seed(t, "2")
	f.clock.Set(time.Unix(rec.ExpiresAt+1, 0))
	f.seed(t, "3")

	stats, err := f.manager.StoreStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalShops)
	assert.Equal(t, 1, stats.ActiveShops)
	assert.Equal(t, 2, stats.ExpiredShops)
	assert.Equal(t, "N/A", stats.MemoryUsed)
}

func TestVerifySignatures(t *testing.T) {
	f := newManagerFixture(t)

	callback := map[string]string{
		"code":      "abc",
		"state":     "xyz",
		"timestamp": "1700000000",
		"sign":      "f4b9b91b21691220230fb6d0bed6df824346d7e9564a0467760eaabb2617ffaf",
	}
	assert.True(t, f.manager.VerifyCallbackSignature("", callback))
	callback["state"] = "tampered"
	assert.False(t, f.manager.VerifyCallbackSignature("", callback))
	assert.False(t, f.manager.VerifyCallbackSignature("unknown", callback))

	sig := doudian.NewSignature("key123", "secret")
	spi := map[string]string{
		"app_key":     "key123",
		"timestamp":   "1700000000",
		"param_json":  `{"a":1}`,
		"sign_method": "hmac-sha256",
		"sign":        sig.SPISign(1_700_000_000, `{"a":1}`, doudian.SignMethodHMACSHA256),
	}
	assert.True(t, f.manager.VerifySPISignature("", spi))

	md5 := map[string]string{
		"app_key":     "key123",
		"timestamp":   "1700000000",
		"param_json":  `{"a":1}`,
		"sign_method": "md5",
		"sign":        "8a80d9d6be96593cf9aeb92f09c67fce",
	}
	assert.True(t, f.manager.VerifySPISignature("", md5))

	spi["app_key"] = "other"
	assert.False(t, f.manager.VerifySPISignature("", spi))
	spi["app_key"] = "key123"
	spi["timestamp"] = "not-a-number"
	assert.False(t, f.manager.VerifySPISignature("", spi))
}

func TestRevokeListAndInfo(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	rec := f.seed(t, "1")
	f.seed(t, "2")

	shops, err := f.manager.ListAuthorizedShops(ctx, "")
	require.NoError(t, err)
	assert.Len(t, shops, 2)
	assert.False(t, shops["1"].IsExpired)

	f.clock.Set(time.Unix(rec.ExpiresAt, 0))
	info, err := f.manager.GetShopInfo(ctx, "", "1")
	require.NoError(t, err)
	assert.True(t, info.IsExpired)

	shops, err = f.manager.ListAuthorizedShops(ctx, "")
	require.NoError(t, err)
	assert.True(t, shops["2"].IsExpired)

	ok, err := f.manager.RevokeShopAuth(ctx, "", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.manager.RevokeShopAuth(ctx, "", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.manager.GetShopInfo(ctx, "", "1")
	assert.ErrorIs(t, err, doudian.ErrShopNotAuthorized)
}
