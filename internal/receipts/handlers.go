package receipts

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Lookup resolves a history entry to its payload and attestation. It
// returns ErrNotFound for unknown entries.
type Lookup interface {
	Attestation(ctx context.Context, entryID string) (Payload, *Attestation, error)
}

// VerifyRequest is the input for verifying an entry's attestation.
type VerifyRequest struct {
	EntryID string `json:"entryId" binding:"required"`
}

// Handler provides HTTP endpoints for attestation verification.
type Handler struct {
	lookup  Lookup
	service *Service
}

// NewHandler creates a new attestation handler. Attestations verify only
// against service's keys; a nil service reports every one as unverifiable.
func NewHandler(lookup Lookup, service *Service) *Handler {
	return &Handler{lookup: lookup, service: service}
}

// RegisterRoutes sets up attestation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/attestations/verify", h.VerifyAttestation)
}

// VerifyAttestation handles POST /v1/attestations/verify
func (h *Handler) VerifyAttestation(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	payload, att, err := h.lookup.Attestation(c.Request.Context(), req.EntryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verification": h.service.Check(payload, att), "entryId": req.EntryID})
}
