package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/idgen"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/validation"
)

// MaxPerAddress caps subscriptions per wallet.
const MaxPerAddress = 10

var knownEvents = map[events.Type]bool{
	events.TypeTransactionAnalyzed:  true,
	events.TypeTransactionRejected:  true,
	events.TypeTransactionSubmitted: true,
	events.TypeContractAnalyzed:     true,
}

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store Store
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up webhook management. Callers add their auth
// middleware to r.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallets/:address/webhooks", validation.AddressParamMiddleware())
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.DELETE("/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription. An empty event
// list subscribes to everything.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/wallets/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	ctx := c.Request.Context()

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	// Validate events
	types := make([]events.Type, 0, len(req.Events))
	for _, e := range req.Events {
		t := events.Type(e)
		if !knownEvents[t] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		types = append(types, t)
	}

	existing, err := h.store.ListByAddress(ctx, address)
	if err != nil {
		logging.L(ctx).Error("failed to list webhooks", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= MaxPerAddress {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhooks for this wallet",
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Address:   address,
		URL:       req.URL,
		Secret:    secret,
		Events:    types,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("failed to create webhook", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/wallets/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	address := c.Param("address")

	subs, err := h.store.ListByAddress(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	// Secret is never serialized.
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /v1/wallets/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	webhookID := c.Param("webhookId")

	sub, err := h.store.Get(ctx, webhookID)
	if err == nil && !strings.EqualFold(sub.Address, c.Param("address")) {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, webhookID)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
