package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// spiParams are the fields the platform signs on SPI calls.
var spiParams = []string{"app_key", "timestamp", "sign", "sign_method", "param_json"}

// SPIVerifier checks signatures of inbound SPI calls.
type SPIVerifier interface {
	VerifySPISignature(profile string, params map[string]string) bool
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request completed", fields...)
			return
		}
		logger.Info("request completed", fields...)
	}
}

// AdminAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		provided, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// SPIAuth rejects SPI calls whose signature does not match the profile
// named in the :profile path parameter. Parameters are read from the query
// string, then from the form body.
func SPIAuth(verifier SPIVerifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		params := make(map[string]string, len(spiParams))
		for _, name := range spiParams {
			v, ok := c.GetQuery(name)
			if !ok {
				v = c.PostForm(name)
			}
			params[name] = v
		}

		profile := c.Param("profile")
		if !verifier.VerifySPISignature(profile, params) {
			logger.Warn("rejected SPI call with invalid signature",
				zap.String("profile", profile),
				zap.String("path", c.FullPath()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, spiResponse(100001, "invalid sign"))
			return
		}

		c.Set(spiParamJSONKey, params["param_json"])
		c.Next()
	}
}

const spiParamJSONKey = "spi_param_json"

func spiResponse(code int, message string) gin.H {
	return gin.H{"code": code, "message": message, "data": gin.H{}}
}
