package transfer

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/qshield/internal/chain"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/validation"
)

// TransferRequest is the body of a deposit or send.
type TransferRequest struct {
	Amount       string `json:"amount" binding:"required"`
	Recipient    string `json:"recipient"`
	SecurityMode string `json:"securityMode"`
}

// AnalyzeRequest is the body of a dry-run analysis.
type AnalyzeRequest struct {
	Sender       string `json:"sender" binding:"required"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount" binding:"required"`
	Type         string `json:"type"`
	SecurityMode string `json:"securityMode"`
}

// Handler provides HTTP endpoints for transfers and their analysis.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new transfer handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up the public analysis route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analysis/transactions", h.AnalyzeTransaction)
}

// RegisterProtectedRoutes sets up the routes that move funds. Callers add
// their auth middleware to r.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:address/deposits", validation.AddressParamMiddleware(), h.Deposit)
	r.POST("/wallets/:address/sends", validation.AddressParamMiddleware(), h.Send)
}

// Deposit handles POST /v1/wallets/:address/deposits
func (h *Handler) Deposit(c *gin.Context) {
	h.submit(c, KindDeposit)
}

// Send handles POST /v1/wallets/:address/sends
func (h *Handler) Send(c *gin.Context) {
	h.submit(c, KindSend)
}

func (h *Handler) submit(c *gin.Context, kind Kind) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, mode, ok := parseAmountAndMode(c, req.Amount, req.SecurityMode)
	if !ok {
		return
	}

	tx := h.orchestrator.NewTransaction(Request{
		Kind:      kind,
		Sender:    c.Param("address"),
		Recipient: req.Recipient,
		Amount:    amount,
		Mode:      mode,
	})
	out, err := h.orchestrator.Submit(c.Request.Context(), tx)
	if err != nil {
		writeError(c, out, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// AnalyzeTransaction handles POST /v1/analysis/transactions
func (h *Handler) AnalyzeTransaction(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	kind := KindSend
	if req.Type != "" {
		k, err := ParseKind(req.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   ReasonUnknownKind,
				"message": "type must be deposit or send",
			})
			return
		}
		kind = k
	}
	amount, mode, ok := parseAmountAndMode(c, req.Amount, req.SecurityMode)
	if !ok {
		return
	}

	tx := h.orchestrator.NewTransaction(Request{
		Kind:      kind,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    amount,
		Mode:      mode,
	})
	out, err := h.orchestrator.Analyze(c.Request.Context(), tx)
	if err != nil && !IsRejection(err) {
		writeError(c, out, err)
		return
	}
	// A rejection is a complete analysis.
	c.JSON(http.StatusOK, out)
}

func parseAmountAndMode(c *gin.Context, rawAmount, rawMode string) (decimal.Decimal, receipts.Mode, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(rawAmount))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a decimal number of ether",
		})
		return decimal.Decimal{}, "", false
	}
	mode, err := receipts.ParseMode(rawMode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_security_mode",
			"message": "securityMode must be standard or quantum",
		})
		return decimal.Decimal{}, "", false
	}
	return amount, mode, true
}

// writeError maps a pipeline error to a response. Rejections carry the
// outcome so the caller sees which step refused the transaction.
func writeError(c *gin.Context, out *Outcome, err error) {
	ctx := c.Request.Context()
	var te *chain.TransferError
	switch {
	case IsRejection(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   out.Reason,
			"message": err.Error(),
			"outcome": out,
		})
	case errors.Is(err, ErrSubmitDisabled), errors.Is(err, chain.ErrReadOnly):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "signing_disabled",
			"message": "No signing key is configured; use the analysis endpoint instead",
		})
	case errors.Is(err, chain.ErrSignerMismatch):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "signer_mismatch",
			"message": "Transactions can only be sent from the configured wallet",
		})
	case errors.As(err, &te):
		logging.L(ctx).Error("submission failed", "op", te.Op, "tx_hash", te.TxHash, "error", te.Err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "submission_failed",
			"message": "Transaction submission failed: " + te.Op,
			"outcome": out,
		})
	case errors.Is(err, chain.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "provider_unavailable",
			"message": "Chain provider is unavailable",
		})
	default:
		logging.L(ctx).Error("transaction pipeline failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process transaction",
		})
	}
}
