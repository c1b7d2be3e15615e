package doudian

import (
	"context"
	"fmt"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

const (
	PathTokenCreate  = "/token/create"
	PathTokenRefresh = "/token/refresh"

	GrantAuthorizationCode = "authorization_code"
	GrantAuthorizationSelf = "authorization_self"
	GrantRefreshToken      = "refresh_token"
)

// ClientProvider resolves a profile to its client.
type ClientProvider interface {
	Client(profile string) (*Client, error)
}

type createTokenParam struct {
	GrantType string `json:"grant_type"`
	Code      string `json:"code"`
	ShopID    string `json:"shop_id"`
}

type refreshTokenParam struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

// TokenAPI calls the token endpoints. Unsuccessful platform responses are
// returned as tokens; callers check IsSuccess. Only transport and parse
// failures are errors.
type TokenAPI struct {
	clients ClientProvider
}

// NewTokenAPI creates a token API over the given clients.
func NewTokenAPI(clients ClientProvider) *TokenAPI {
	return &TokenAPI{clients: clients}
}

// CreateToken exchanges an authorization code.
func (a *TokenAPI) CreateToken(ctx context.Context, profile, code string) (*domain.AccessToken, error) {
	return a.call(ctx, profile, Request{
		Path:  PathTokenCreate,
		Param: createTokenParam{GrantType: GrantAuthorizationCode, Code: code},
	})
}

// CreateTokenForShop issues a token for a self-developed app's own shop.
func (a *TokenAPI) CreateTokenForShop(ctx context.Context, profile, shopID string) (*domain.AccessToken, error) {
	return a.call(ctx, profile, Request{
		Path:  PathTokenCreate,
		Param: createTokenParam{GrantType: GrantAuthorizationSelf, ShopID: shopID},
	})
}

// RefreshToken exchanges a refresh token. Refresh tokens are single use.
func (a *TokenAPI) RefreshToken(ctx context.Context, profile, refreshToken string) (*domain.AccessToken, error) {
	return a.call(ctx, profile, Request{
		Path:  PathTokenRefresh,
		Param: refreshTokenParam{GrantType: GrantRefreshToken, RefreshToken: refreshToken},
	})
}

func (a *TokenAPI) call(ctx context.Context, profile string, req Request) (*domain.AccessToken, error) {
	client, err := a.clients.Client(profile)
	if err != nil {
		return nil, err
	}
	resp, err := client.Execute(ctx, req, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Path, err)
	}
	return domain.WrapAccessToken(resp.Raw)
}
