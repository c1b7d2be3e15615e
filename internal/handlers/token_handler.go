package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/storage"
)

// TokenService is the part of the token manager exposed over the admin API.
type TokenService interface {
	AuthorizationURL(profile, redirectURI, state string) (string, error)
	HandleAuthorizationCallback(ctx context.Context, profile, code, shopID string) (*doudian.AccessToken, error)
	AuthorizeSelf(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error)
	RefreshShopAccessToken(ctx context.Context, profile, shopID string) (*doudian.AccessToken, error)
	RevokeShopAuth(ctx context.Context, profile, shopID string) (bool, error)
	ListAuthorizedShops(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error)
	GetShopInfo(ctx context.Context, profile, shopID string) (*doudian.ShopSummary, error)
	StoreStats(ctx context.Context, profile string) (*storage.StoreStats, error)
}

// TokenHandler handles shop authorization API requests
type TokenHandler struct {
	service TokenService
	logger  *zap.Logger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(service TokenService, logger *zap.Logger) *TokenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenHandler{
		service: service,
		logger:  logger,
	}
}

// GetShops lists authorized shops of a profile
// GET /api/v1/admin/doudian/:profile/shops
func (h *TokenHandler) GetShops(c *gin.Context) {
	profile := c.Param("profile")

	shops, err := h.service.ListAuthorizedShops(c.Request.Context(), profile)
	if err != nil {
		h.respondError(c, err, "Failed to list shops")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile": profile,
		"shops":   shops,
		"total":   len(shops),
	})
}

// GetStats summarizes the profile's stored authorizations
// GET /api/v1/admin/doudian/:profile/stats
func (h *TokenHandler) GetStats(c *gin.Context) {
	stats, err := h.service.StoreStats(c.Request.Context(), c.Param("profile"))
	if err != nil {
		h.respondError(c, err, "Failed to read token stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetShop returns one shop's authorization summary
// GET /api/v1/admin/doudian/:profile/shops/:shop_id
func (h *TokenHandler) GetShop(c *gin.Context) {
	info, err := h.service.GetShopInfo(c.Request.Context(), c.Param("profile"), c.Param("shop_id"))
	if err != nil {
		h.respondError(c, err, "Failed to get shop")
		return
	}
	c.JSON(http.StatusOK, info)
}

// RefreshShop forces a token refresh
// POST /api/v1/admin/doudian/:profile/shops/:shop_id/refresh
func (h *TokenHandler) RefreshShop(c *gin.Context) {
	profile, shopID := c.Param("profile"), c.Param("shop_id")

	tok, err := h.service.RefreshShopAccessToken(c.Request.Context(), profile, shopID)
	if err != nil {
		h.respondError(c, err, "Failed to refresh token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"shop_id":    shopID,
		"expires_in": tok.ExpiresIn(),
		"log_id":     tok.LogID(),
	})
}

// RevokeShop removes a shop's authorization
// DELETE /api/v1/admin/doudian/:profile/shops/:shop_id
func (h *TokenHandler) RevokeShop(c *gin.Context) {
	ok, err := h.service.RevokeShopAuth(c.Request.Context(), c.Param("profile"), c.Param("shop_id"))
	if err != nil {
		h.respondError(c, err, "Failed to revoke shop")
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Shop not authorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Shop authorization revoked"})
}

// AuthURLRequest represents the request to build a consent URL
type AuthURLRequest struct {
	RedirectURI string `json:"redirect_uri" binding:"required"`
	State       string `json:"state"`
}

// GetAuthURL builds the merchant consent URL
// POST /api/v1/admin/doudian/:profile/auth-url
func (h *TokenHandler) GetAuthURL(c *gin.Context) {
	var req AuthURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	authURL, err := h.service.AuthorizationURL(c.Param("profile"), req.RedirectURI, req.State)
	if err != nil {
		h.respondError(c, err, "Failed to build authorization URL")
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL})
}

// AuthorizeRequest represents an authorization code exchange
type AuthorizeRequest struct {
	Code   string `json:"code" binding:"required"`
	ShopID string `json:"shop_id"`
}

// Authorize exchanges an authorization code for a shop token
// POST /api/v1/admin/doudian/:profile/authorize
func (h *TokenHandler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	tok, err := h.service.HandleAuthorizationCallback(c.Request.Context(), c.Param("profile"), req.Code, req.ShopID)
	if err != nil {
		h.respondError(c, err, "Failed to authorize shop")
		return
	}
	h.respondIssued(c, tok)
}

// AuthorizeSelf issues a token for a self-developed app's own shop
// POST /api/v1/admin/doudian/:profile/shops/:shop_id/authorize-self
func (h *TokenHandler) AuthorizeSelf(c *gin.Context) {
	tok, err := h.service.AuthorizeSelf(c.Request.Context(), c.Param("profile"), c.Param("shop_id"))
	if err != nil {
		h.respondError(c, err, "Failed to authorize shop")
		return
	}
	h.respondIssued(c, tok)
}

func (h *TokenHandler) respondIssued(c *gin.Context, tok *doudian.AccessToken) {
	if !tok.IsSuccess() {
		h.respondError(c, tok.Err(), "Authorization rejected")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"shop_id":    tok.ShopID(),
		"shop_name":  tok.ShopName(),
		"expires_in": tok.ExpiresIn(),
		"scope":      tok.Scope(),
	})
}

func (h *TokenHandler) respondError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Warn(msg, zap.Error(err))
	}
	body := gin.H{"error": msg, "details": err.Error()}
	var apiErr *doudian.APIError
	if errors.As(err, &apiErr) {
		body["code"] = apiErr.Code
		body["category"] = apiErr.Category()
	}
	c.JSON(status, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *doudian.APIError
	switch {
	case errors.Is(err, doudian.ErrNeedsReauthorization):
		return http.StatusConflict
	case errors.Is(err, doudian.ErrShopNotAuthorized):
		return http.StatusNotFound
	case errors.Is(err, doudian.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, doudian.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, doudian.ErrInvalidResponse):
		return http.StatusBadGateway
	case errors.As(err, &apiErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
