package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/handlers"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	TokenHandler   *handlers.TokenHandler
	ProductHandler *handlers.ProductHandler
	SPIHandler     *handlers.SPIHandler
	SPIVerifier    handlers.SPIVerifier
	AdminToken     string
	Logger         *zap.Logger

	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, cfg *RouteConfig) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "doudian",
			"time":    time.Now().UTC(),
		})
	})

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := router.Group("/api/v1")

	// SPI routes (platform calls, signature checked)
	if cfg.SPIHandler != nil && cfg.SPIVerifier != nil {
		spi := v1.Group("/spi/:profile")
		spi.Use(handlers.SPIAuth(cfg.SPIVerifier, cfg.Logger))
		spi.POST("/:method", cfg.SPIHandler.Receive)
	}

	// Admin routes
	admin := v1.Group("/admin/doudian/:profile")
	admin.Use(handlers.AdminAuth(cfg.AdminToken))
	{
		// OAuth flow
		admin.POST("/auth-url", cfg.TokenHandler.GetAuthURL)
		admin.POST("/authorize", cfg.TokenHandler.Authorize)
		admin.GET("/stats", cfg.TokenHandler.GetStats)

		// Shop authorizations
		shops := admin.Group("/shops")
		{
			shops.GET("", cfg.TokenHandler.GetShops)
			shops.GET("/:shop_id", cfg.TokenHandler.GetShop)
			shops.DELETE("/:shop_id", cfg.TokenHandler.RevokeShop)
			shops.POST("/:shop_id/refresh", cfg.TokenHandler.RefreshShop)
			shops.POST("/:shop_id/authorize-self", cfg.TokenHandler.AuthorizeSelf)

			if cfg.ProductHandler != nil {
				shops.GET("/:shop_id/products", cfg.ProductHandler.GetProducts)
				shops.DELETE("/:shop_id/products/cache", cfg.ProductHandler.InvalidateProducts)
			}
		}
	}
}
