package history

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/pagination"
	"github.com/mbd888/qshield/internal/validation"
)

// Handler provides HTTP endpoints for transaction history.
type Handler struct {
	store Store
}

// NewHandler creates a new history handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/transactions", validation.AddressParamMiddleware(), h.ListTransactions)
}

// ListTransactions handles GET /v1/wallets/:address/transactions
// Pages with ?limit= and the opaque ?cursor= from the previous response.
func (h *Handler) ListTransactions(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	entries, err := h.store.ListBySender(c.Request.Context(), address, limit+1, WithCursor(cursor))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list history", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}

	resp := gin.H{
		"address":      address,
		"transactions": entries,
		"count":        len(entries),
		"hasMore":      hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
