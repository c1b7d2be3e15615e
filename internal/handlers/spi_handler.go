package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SPIHandler acknowledges signed SPI calls from the platform.
type SPIHandler struct {
	logger *zap.Logger
}

// NewSPIHandler creates a new SPIHandler
func NewSPIHandler(logger *zap.Logger) *SPIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SPIHandler{logger: logger}
}

// Receive accepts an SPI call that passed SPIAuth
// POST /api/v1/spi/:profile/:method
func (h *SPIHandler) Receive(c *gin.Context) {
	paramJSON := c.GetString(spiParamJSONKey)
	if paramJSON != "" && !json.Valid([]byte(paramJSON)) {
		c.JSON(http.StatusBadRequest, spiResponse(100002, "param_json is not valid JSON"))
		return
	}

	h.logger.Info("SPI call received",
		zap.String("profile", c.Param("profile")),
		zap.String("method", c.Param("method")),
		zap.Int("param_bytes", len(paramJSON)),
	)
	c.JSON(http.StatusOK, spiResponse(0, "success"))
}
