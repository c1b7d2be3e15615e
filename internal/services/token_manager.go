package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/events"
	"github.com/niaga-platform/service-doudian/internal/metrics"
	"github.com/niaga-platform/service-doudian/internal/storage"
)

const (
	DefaultAuthorizeURL = "https://openapi-fxg.jinritemai.com/oauth/authorize"
	DefaultAuthScope    = "trade_basic,product_basic"
)

var errMissingRefreshToken = errors.New("no refresh token stored")

// TokenIssuer calls the platform's token endpoints.
type TokenIssuer interface {
	CreateToken(ctx context.Context, profile, code string) (*doudian.AccessToken, error)
	CreateTokenForShop(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error)
	RefreshToken(ctx context.Context, profile, refreshToken string) (*doudian.AccessToken, error)
}

// SignatureResolver returns the signer of a profile's credentials.
type SignatureResolver interface {
	Signature(profile string) (*doudian.Signature, error)
}

// TokenManagerConfig holds configuration for the token manager.
type TokenManagerConfig struct {
	RefreshBuffer time.Duration // how long before expiry a token is refreshed
	AuthorizeURL  string
	Scope         string

	// AuthorizeURLs overrides AuthorizeURL per named profile.
	AuthorizeURLs map[string]string
}

// TokenManager owns the lifecycle of shop tokens: issuance, refresh before
// expiry, revocation and verification of inbound signatures. Refreshes of
// one shop are serialized, so a single-use refresh token is never spent
// twice by this process.
type TokenManager struct {
	config   TokenManagerConfig
	issuer   TokenIssuer
	signers  SignatureResolver
	store    storage.TokenStore
	notifier *events.Notifier
	locks    *KeyLocker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewTokenManager creates a new token manager.
func NewTokenManager(
	cfg TokenManagerConfig,
	issuer TokenIssuer,
	signers SignatureResolver,
	store storage.TokenStore,
	notifier *events.Notifier,
	logger *zap.Logger,
) *TokenManager {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = doudian.DefaultRefreshBuffer
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultAuthScope
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenManager{
		config:   cfg,
		issuer:   issuer,
		signers:  signers,
		store:    store,
		notifier: notifier,
		locks:    NewKeyLocker(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithMetrics attaches collectors.
func (tm *TokenManager) WithMetrics(m *metrics.Metrics) *TokenManager {
	tm.metrics = m
	return tm
}

// WithClock overrides the clock, for tests.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

// RefreshBuffer returns the configured refresh margin.
func (tm *TokenManager) RefreshBuffer() time.Duration {
	return tm.config.RefreshBuffer
}

// AuthorizationURL builds the merchant consent URL. An empty state is
// replaced by 16 random bytes in hex.
func (tm *TokenManager) AuthorizationURL(profile, redirectURI, state string) (string, error) {
	sig, err := tm.signers.Signature(profile)
	if err != nil {
		return "", err
	}
	if state == "" {
		state, err = randomState()
		if err != nil {
			return "", err
		}
	}

	q := url.Values{}
	q.Set("app_key", sig.AppKey())
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("scope", tm.config.Scope)
	return tm.authorizeURL(profile) + "?" + q.Encode(), nil
}

func (tm *TokenManager) authorizeURL(profile string) string {
	if u := tm.config.AuthorizeURLs[profile]; u != "" {
		return u
	}
	return tm.config.AuthorizeURL
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HandleAuthorizationCallback exchanges an authorization code. The token is
// stored only when the platform reports success; an unsuccessful token is
// still returned so the caller can show the platform's message.
func (tm *TokenManager) HandleAuthorizationCallback(ctx context.Context, profile, code, shopID string) (*doudian.AccessToken, error) {
	tok, err := tm.issuer.CreateToken(ctx, profile, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tm.storeIssued(ctx, profile, shopID, tok)
}

// AuthorizeSelf issues a token for a self-developed app's own shop.
func (tm *TokenManager) AuthorizeSelf(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error) {
	tok, err := tm.issuer.CreateTokenForShop(ctx, profile, shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to create self authorization token: %w", err)
	}
	return tm.storeIssued(ctx, profile, shopID, tok)
}

func (tm *TokenManager) storeIssued(ctx context.Context, profile, shopID string, tok *doudian.AccessToken) (*doudian.AccessToken, error) {
	if !tok.IsSuccess() {
		tm.logger.Warn("token issuance rejected",
			zap.String("profile", profile),
			zap.String("shop_id", shopID),
			zap.String("log_id", tok.LogID()),
			zap.Error(tok.Err()),
		)
		return tok, nil
	}

	rec := doudian.NewTokenRecord(tok, shopID, tm.now())
	key := doudian.NewTokenKey(profile, rec.ShopID)
	if err := tm.store.Store(ctx, key, rec); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	tm.logger.Info("shop authorized",
		zap.String("profile", key.Profile),
		zap.String("shop_id", key.ShopID),
		zap.Int64("expires_at", rec.ExpiresAt),
	)
	return tok, nil
}

// GetShopAccessToken returns a usable token for the shop, refreshing it
// first when it expires within the refresh buffer.
func (tm *TokenManager) GetShopAccessToken(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error) {
	key := doudian.NewTokenKey(profile, shopID)
	rec, err := tm.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rec.NeedsRefresh(tm.now(), tm.config.RefreshBuffer) {
		return doudian.ParseAccessToken(rec.AccessToken), nil
	}

	tok, _, err := tm.refreshIfDue(ctx, key)
	return tok, err
}

// RefreshIfDue refreshes the shop only if its token is still inside the
// refresh buffer once the shop's lock is held. It reports whether a
// refresh call was made.
func (tm *TokenManager) RefreshIfDue(ctx context.Context, profile, shopID string) (bool, error) {
	_, refreshed, err := tm.refreshIfDue(ctx, doudian.NewTokenKey(profile, shopID))
	return refreshed, err
}

func (tm *TokenManager) refreshIfDue(ctx context.Context, key doudian.TokenKey) (*doudian.AccessToken, bool, error) {
	unlock := tm.locks.Lock(key.String())
	defer unlock()

	// another caller may have refreshed while we waited
	rec, err := tm.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !rec.NeedsRefresh(tm.now(), tm.config.RefreshBuffer) {
		return doudian.ParseAccessToken(rec.AccessToken), false, nil
	}

	tok, err := tm.refreshLocked(ctx, key, rec)
	return tok, true, err
}

// RefreshShopAccessToken exchanges the stored refresh token now. On any
// failure the record is deleted and the error wraps
// ErrNeedsReauthorization.
func (tm *TokenManager) RefreshShopAccessToken(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error) {
	key := doudian.NewTokenKey(profile, shopID)
	unlock := tm.locks.Lock(key.String())
	defer unlock()

	rec, err := tm.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return tm.refreshLocked(ctx, key, rec)
}

func (tm *TokenManager) load(ctx context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error) {
	rec, err := tm.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", doudian.ErrShopNotAuthorized, key)
	}
	return rec, nil
}

// refreshLocked must be called with the key's lock held.
func (tm *TokenManager) refreshLocked(ctx context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) (*doudian.AccessToken, error) {
	var (
		tok *doudian.AccessToken
		err error
	)
	if rec.RefreshToken == "" {
		err = errMissingRefreshToken
	} else {
		tok, err = tm.issuer.RefreshToken(ctx, key.Profile, rec.RefreshToken)
		if err == nil && !tok.IsSuccess() {
			err = tok.Err()
		}
	}
	if err != nil {
		tm.metrics.IncRefresh(key.Profile, "failure")
		tm.failClosed(ctx, key, err)
		return nil, fmt.Errorf("%w: %s: %w", doudian.ErrNeedsReauthorization, key, err)
	}

	next := rec.Refreshed(tok, tm.now())
	if err := tm.store.Store(ctx, key, next); err != nil {
		tm.metrics.IncRefresh(key.Profile, "store_error")
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}
	tm.metrics.IncRefresh(key.Profile, "success")

	tm.logger.Info("token refreshed successfully",
		zap.String("profile", key.Profile),
		zap.String("shop_id", key.ShopID),
		zap.Int64("expires_at", next.ExpiresAt),
	)

	tm.notifier.Notify(ctx, events.NewRefreshEvent(key, next, tok, tm.now()))
	return tok, nil
}

func (tm *TokenManager) failClosed(ctx context.Context, key doudian.TokenKey, cause error) {
	// the record goes even if the caller has given up
	ctx = context.WithoutCancel(ctx)
	if _, err := tm.store.Delete(ctx, key); err != nil {
		tm.logger.Error("failed to delete token after refresh failure",
			zap.String("profile", key.Profile),
			zap.String("shop_id", key.ShopID),
			zap.Error(err),
		)
	}
	tm.logger.Warn("token refresh failed, shop needs re-authorization",
		zap.String("profile", key.Profile),
		zap.String("shop_id", key.ShopID),
		zap.Error(cause),
	)
}

// RevokeShopAuth deletes the shop's record. It reports whether one existed.
func (tm *TokenManager) RevokeShopAuth(ctx context.Context, profile, shopID string) (bool, error) {
	key := doudian.NewTokenKey(profile, shopID)
	unlock := tm.locks.Lock(key.String())
	defer unlock()

	ok, err := tm.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to revoke shop: %w", err)
	}
	if ok {
		tm.logger.Info("shop authorization revoked",
			zap.String("profile", key.Profile),
			zap.String("shop_id", key.ShopID),
		)
	}
	return ok, nil
}

// ListAuthorizedShops lists the profile's shops without their tokens.
func (tm *TokenManager) ListAuthorizedShops(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error) {
	shops, err := tm.store.List(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to list shops: %w", err)
	}
	now := tm.now()
	for id, s := range shops {
		shops[id] = s.WithExpiry(now)
	}
	return shops, nil
}

// GetShopInfo returns the shop's summary, or ErrShopNotAuthorized.
func (tm *TokenManager) GetShopInfo(ctx context.Context, profile, shopID string) (*doudian.ShopSummary, error) {
	rec, err := tm.load(ctx, doudian.NewTokenKey(profile, shopID))
	if err != nil {
		return nil, err
	}
	sum := rec.Summary(tm.now())
	return &sum, nil
}

// VerifyCallbackSignature checks the sign parameter of an authorization callback.
func (tm *TokenManager) VerifyCallbackSignature(profile string, params map[string]string) bool {
	sig, err := tm.signers.Signature(profile)
	if err != nil {
		return false
	}
	return sig.VerifyCallback(params)
}

// VerifySPISignature checks an inbound SPI call. params carries app_key,
// timestamp, sign, sign_method and param_json as sent by the platform.
func (tm *TokenManager) VerifySPISignature(profile string, params map[string]string) bool {
	sig, err := tm.signers.Signature(profile)
	if err != nil {
		return false
	}
	if params["app_key"] != sig.AppKey() {
		return false
	}
	ts, err := strconv.ParseInt(params["timestamp"], 10, 64)
	if err != nil {
		return false
	}
	method := doudian.ParseSignMethod(params["sign_method"])
	return sig.VerifySPI(ts, params["param_json"], method, params["sign"])
}

// StoreStats counts the profile's shops. Stores that can describe
// themselves, such as RedisStore, report their own figures.
func (tm *TokenManager) StoreStats(ctx context.Context, profile string) (*storage.StoreStats, error) {
	if sr, ok := tm.store.(storage.StatsReporter); ok {
		stats, err := sr.Stats(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("failed to read store stats: %w", err)
		}
		return stats, nil
	}

	shops, err := tm.ListAuthorizedShops(ctx, profile)
	if err != nil {
		return nil, err
	}
	stats := &storage.StoreStats{TotalShops: len(shops), MemoryUsed: "N/A"}
	for _, s := range shops {
		if s.IsExpired {
			stats.ExpiredShops++
		} else {
			stats.ActiveShops++
		}
	}
	return stats, nil
}

// IsReauthorization reports whether err means the shop must authorize again.
func IsReauthorization(err error) bool {
	return errors.Is(err, doudian.ErrNeedsReauthorization) || errors.Is(err, doudian.ErrShopNotAuthorized)
}
