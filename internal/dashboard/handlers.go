package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/validation"
)

// Handler provides the security dashboard endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new dashboard handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dashboard routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/security/:address", h.Security)
}

// Security returns the report for :address.
func (h *Handler) Security(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid Ethereum address format"})
		return
	}

	report, err := h.service.Build(c.Request.Context(), address, parseLimit(c, DefaultAlertLimit, 100))
	if err != nil {
		logging.L(c.Request.Context()).Error("dashboard build failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to build security report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
