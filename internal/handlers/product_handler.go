package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/providers/doudian"
)

// ProductLister lists a shop's products through the dispatcher.
type ProductLister interface {
	List(ctx context.Context, profile, shopID string, param doudian.ProductListParam) (*doudian.ProductList, error)
}

// ProductCacheInvalidator drops a shop's cached product pages.
type ProductCacheInvalidator interface {
	Invalidate(ctx context.Context, profile, shopID string) (int, error)
}

// ProductHandler handles product API requests
type ProductHandler struct {
	products ProductLister
	cache    ProductCacheInvalidator
	logger   *zap.Logger
}

// NewProductHandler creates a new ProductHandler
func NewProductHandler(products ProductLister, logger *zap.Logger) *ProductHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductHandler{
		products: products,
		logger:   logger,
	}
}

// WithCache enables the cache invalidation endpoint.
func (h *ProductHandler) WithCache(cache ProductCacheInvalidator) *ProductHandler {
	h.cache = cache
	return h
}

// GetProducts lists a shop's products
// GET /api/v1/admin/doudian/:profile/shops/:shop_id/products
func (h *ProductHandler) GetProducts(c *gin.Context) {
	param := doudian.DefaultProductListParam()

	if pageStr := c.Query("page"); pageStr != "" {
		if page, err := strconv.Atoi(pageStr); err == nil && page >= 0 {
			param.Page = page
		}
	}
	if sizeStr := c.Query("size"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 && size <= 100 {
			param.Size = size
		}
	}
	if statusStr := c.Query("status"); statusStr != "" {
		status, err := strconv.Atoi(statusStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
		param.Status = &status
	}
	if checkStr := c.Query("check_status"); checkStr != "" {
		check, err := strconv.Atoi(checkStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid check_status"})
			return
		}
		param.CheckStatus = &check
	}
	if title := c.Query("title"); title != "" {
		param.Title = &title
	}

	list, err := h.products.List(c.Request.Context(), c.Param("profile"), c.Param("shop_id"), param)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to list products", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": "Failed to list products", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products": list.Data,
		"total":    list.Total,
		"page":     param.Page,
		"size":     param.Size,
	})
}

// InvalidateProducts drops a shop's cached product pages
// DELETE /api/v1/admin/doudian/:profile/shops/:shop_id/products/cache
func (h *ProductHandler) InvalidateProducts(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, gin.H{"removed": 0})
		return
	}

	removed, err := h.cache.Invalidate(c.Request.Context(), c.Param("profile"), c.Param("shop_id"))
	if err != nil {
		h.logger.Error("Failed to invalidate product cache", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to invalidate product cache"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
