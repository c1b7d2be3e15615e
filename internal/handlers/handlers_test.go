package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/providers/doudian"
	"github.com/niaga-platform/service-doudian/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const okToken = `{"code":10000,"msg":"success","log_id":"L1","data":{"access_token":"A","refresh_token":"R","expires_in":7200,"shop_id":123,"shop_name":"Batik","scope":"trade_basic"}}`

type fakeTokenService struct {
	shops      map[string]domain.ShopSummary
	refreshErr error
	revoked    bool
	issued     string
	lastCode   string
}

func (f *fakeTokenService) AuthorizationURL(profile, redirectURI, state string) (string, error) {
	if profile == "unknown" {
		return "", domain.ErrProfileNotFound
	}
	return "https://auth.example.com?redirect_uri=" + url.QueryEscape(redirectURI) + "&state=" + state, nil
}

func (f *fakeTokenService) HandleAuthorizationCallback(_ context.Context, _, code, _ string) (*domain.AccessToken, error) {
	f.lastCode = code
	return domain.WrapAccessToken([]byte(f.issued))
}

func (f *fakeTokenService) AuthorizeSelf(_ context.Context, _, _ string) (*domain.AccessToken, error) {
	return domain.WrapAccessToken([]byte(f.issued))
}

func (f *fakeTokenService) RefreshShopAccessToken(_ context.Context, _, _ string) (*domain.AccessToken, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return domain.WrapAccessToken([]byte(okToken))
}

func (f *fakeTokenService) RevokeShopAuth(_ context.Context, _, _ string) (bool, error) {
	return f.revoked, nil
}

func (f *fakeTokenService) ListAuthorizedShops(_ context.Context, _ string) (map[string]domain.ShopSummary, error) {
	return f.shops, nil
}

func (f *fakeTokenService) GetShopInfo(_ context.Context, _, shopID string) (*domain.ShopSummary, error) {
	s, ok := f.shops[shopID]
	if !ok {
		return nil, fmt.Errorf("%w: default:%s", domain.ErrShopNotAuthorized, shopID)
	}
	return &s, nil
}

func (f *fakeTokenService) StoreStats(_ context.Context, _ string) (*storage.StoreStats, error) {
	stats := &storage.StoreStats{TotalShops: len(f.shops), MemoryUsed: "N/A"}
	for _, s := range f.shops {
		if s.IsExpired {
			stats.ExpiredShops++
		} else {
			stats.ActiveShops++
		}
	}
	return stats, nil
}

func newTokenRouter(svc TokenService) *gin.Engine {
	h := NewTokenHandler(svc, nil)
	r := gin.New()
	g := r.Group("/admin/:profile")
	g.POST("/auth-url", h.GetAuthURL)
	g.POST("/authorize", h.Authorize)
	g.GET("/stats", h.GetStats)
	g.GET("/shops", h.GetShops)
	g.GET("/shops/:shop_id", h.GetShop)
	g.DELETE("/shops/:shop_id", h.RevokeShop)
	g.POST("/shops/:shop_id/refresh", h.RefreshShop)
	g.POST("/shops/:shop_id/authorize-self", h.AuthorizeSelf)
	return r
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTokenHandlerShops(t *testing.T) {
	svc := &fakeTokenService{shops: map[string]domain.ShopSummary{
		"123": {ShopID: "123", ShopName: "Batik", ExpiresAt: 2000},
	}}
	r := newTokenRouter(svc)

	w := serve(r, http.MethodGet, "/admin/default/shops", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["total"])
	assert.NotContains(t, w.Body.String(), "access_token")

	w = serve(r, http.MethodGet, "/admin/default/shops/123", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodGet, "/admin/default/shops/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenHandlerStats(t *testing.T) {
	svc := &fakeTokenService{shops: map[string]domain.ShopSummary{
		"1": {ShopID: "1"},
		"2": {ShopID: "2", IsExpired: true},
	}}
	w := serve(newTokenRouter(svc), http.MethodGet, "/admin/default/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 2, body["total_shops"])
	assert.EqualValues(t, 1, body["active_shops"])
	assert.EqualValues(t, 1, body["expired_shops"])
}

func TestTokenHandlerRefreshErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"needs reauthorization", fmt.Errorf("%w: default:1: boom", domain.ErrNeedsReauthorization), http.StatusConflict},
		{"not authorized", domain.ErrShopNotAuthorized, http.StatusNotFound},
		{"transport", &domain.TransportError{Op: "POST", Err: fmt.Errorf("dial")}, http.StatusBadGateway},
		{"api error", &domain.APIError{Code: domain.CodeInvalidParam, Message: "bad"}, http.StatusUnprocessableEntity},
		{"unexpected", fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTokenRouter(&fakeTokenService{refreshErr: tt.err})
			w := serve(r, http.MethodPost, "/admin/default/shops/1/refresh", "")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestTokenHandlerRefreshHidesToken(t *testing.T) {
	r := newTokenRouter(&fakeTokenService{})
	w := serve(r, http.MethodPost, "/admin/default/shops/123/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 7200, body["expires_in"])
	assert.NotContains(t, w.Body.String(), `"A"`)
	assert.NotContains(t, w.Body.String(), `"R"`)
}

func TestTokenHandlerRevoke(t *testing.T) {
	w := serve(newTokenRouter(&fakeTokenService{revoked: true}), http.MethodDelete, "/admin/default/shops/1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(newTokenRouter(&fakeTokenService{}), http.MethodDelete, "/admin/default/shops/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenHandlerAuthURL(t *testing.T) {
	r := newTokenRouter(&fakeTokenService{})

	w := serve(r, http.MethodPost, "/admin/default/auth-url", `{"redirect_uri":"https://app.example.com/cb","state":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["auth_url"], "state=s1")

	w = serve(r, http.MethodPost, "/admin/default/auth-url", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPost, "/admin/unknown/auth-url", `{"redirect_uri":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenHandlerAuthorize(t *testing.T) {
	svc := &fakeTokenService{issued: okToken}
	r := newTokenRouter(svc)

	w := serve(r, http.MethodPost, "/admin/default/authorize", `{"code":"C1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "C1", svc.lastCode)
	body := decode(t, w)
	assert.Equal(t, "123", body["shop_id"])
	assert.Equal(t, "Batik", body["shop_name"])

	svc.issued = `{"code":30002,"msg":"code expired","log_id":"L2"}`
	w = serve(r, http.MethodPost, "/admin/default/shops/123/authorize-self", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "code expired")
	body = decode(t, w)
	assert.EqualValues(t, 30002, body["code"])
	assert.Equal(t, "authentication", body["category"])
}

type fakeProducts struct {
	param doudian.ProductListParam
	err   error
}

func (f *fakeProducts) List(_ context.Context, _, _ string, param doudian.ProductListParam) (*doudian.ProductList, error) {
	f.param = param
	if f.err != nil {
		return nil, f.err
	}
	return &doudian.ProductList{Data: []doudian.Product{{ProductID: "1", Name: "Sarong"}}, Total: 1}, nil
}

func TestProductHandlerGetProducts(t *testing.T) {
	fake := &fakeProducts{}
	h := NewProductHandler(fake, nil)
	r := gin.New()
	r.GET("/admin/:profile/shops/:shop_id/products", h.GetProducts)

	w := serve(r, http.MethodGet, "/admin/default/shops/1/products?page=2&size=20&status=0&title=batik", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, fake.param.Page)
	assert.Equal(t, 20, fake.param.Size)
	require.NotNil(t, fake.param.Status)
	assert.Equal(t, 0, *fake.param.Status)
	require.NotNil(t, fake.param.Title)
	assert.Nil(t, fake.param.CheckStatus)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = serve(r, http.MethodGet, "/admin/default/shops/1/products?size=1000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, fake.param.Size)

	w = serve(r, http.MethodGet, "/admin/default/shops/1/products?status=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fake.err = fmt.Errorf("%w: default:1", domain.ErrNeedsReauthorization)
	w = serve(r, http.MethodGet, "/admin/default/shops/1/products", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

type fakeVerifier struct {
	params map[string]string
}

func (f *fakeVerifier) VerifySPISignature(profile string, params map[string]string) bool {
	f.params = params
	return profile == "default" && params["sign"] == "good"
}

func TestSPIAuth(t *testing.T) {
	v := &fakeVerifier{}
	r := gin.New()
	g := r.Group("/spi/:profile")
	g.Use(SPIAuth(v, nil))
	g.POST("/:method", NewSPIHandler(nil).Receive)

	w := serve(r, http.MethodPost, `/spi/default/order.push?app_key=k&timestamp=1&sign_method=hmac-sha256&sign=good&param_json=%7B%22a%22%3A1%7D`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["code"])
	assert.Equal(t, `{"a":1}`, v.params["param_json"])

	w = serve(r, http.MethodPost, `/spi/default/order.push?sign=bad`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// form body
	req := httptest.NewRequest(http.MethodPost, "/spi/default/order.push",
		strings.NewReader("app_key=k&timestamp=1&sign=good&param_json=%7B%7D"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "{}", v.params["param_json"])

	w = serve(r, http.MethodPost, `/spi/default/order.push?sign=good&param_json=nope`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAuth(t *testing.T) {
	r := gin.New()
	r.Use(AdminAuth("secret"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	open := gin.New()
	open.Use(AdminAuth(""))
	open.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, serve(open, http.MethodGet, "/x", "").Code)
}
