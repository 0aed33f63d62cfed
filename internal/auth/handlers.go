package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
}

// RegisterProtectedRoutes sets up key management. r must already run
// Middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallets/:address/keys", validation.AddressParamMiddleware())
	g.POST("", RequireOperator(h.manager), h.CreateKey)
	g.GET("", RequireOwnership(h.manager, "address"), h.ListKeys)
	g.DELETE("/:keyId", RequireOwnership(h.manager, "address"), h.RevokeKey)
}

// Info describes how to authenticate.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":   h.manager.Enabled(),
		"type":      "api_key",
		"header":    "Authorization: Bearer qs_...",
		"altHeader": "X-API-Key: qs_...",
		"protectedEndpoints": []string{
			"POST /v1/wallets/:address/deposits",
			"POST /v1/wallets/:address/sends",
			"POST /v1/wallets/:address/webhooks",
			"GET /v1/wallets/:address/webhooks",
			"DELETE /v1/wallets/:address/webhooks/:id",
			"GET /v1/wallets/:address/keys",
			"DELETE /v1/wallets/:address/keys/:id",
		},
		"operatorEndpoints": []string{
			"POST /v1/wallets/:address/keys",
		},
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey handles POST /v1/wallets/:address/keys
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if req.Name == "" {
		req.Name = "default"
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), c.Param("address"), req.Name)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/wallets/:address/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list API keys",
		})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// RevokeKey handles DELETE /v1/wallets/:address/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "API key not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "revoke_failed",
			"message": "Failed to revoke API key",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "revoked",
		"message": "API key revoked",
	})
}
