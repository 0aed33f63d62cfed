// Package validation implements the address grammar and the per-transaction
// amount policy, plus the request validation middleware for the QShield API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxCodeLength bounds contract source submitted for analysis.
const MaxCodeLength = 256 << 10

var (
	// ethAddressRegex is the only accepted address grammar: 0x + 40 hex chars.
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// Reason enumerates why a validation failed. Empty means valid.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidAddress    Reason = "invalid_address"
	ReasonNonPositiveAmount Reason = "non_positive_amount"
	ReasonBelowMinimum      Reason = "below_minimum"
	ReasonAboveMaximum      Reason = "above_maximum"
)

// Result is the outcome of a single validation attempt.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
}

// OK is the passing result.
var OK = Result{Valid: true}

func fail(r Reason) Result { return Result{Valid: false, Reason: r} }

// IsValidEthAddress checks if a string is a valid Ethereum address.
// Unrecognized formats are invalid, never "unknown".
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// ValidateAddress is the address validator as a Result.
func ValidateAddress(addr string) Result {
	if !IsValidEthAddress(addr) {
		return fail(ReasonInvalidAddress)
	}
	return OK
}

// AmountPolicy bounds a single transaction amount, in ether.
type AmountPolicy struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultAmountPolicy returns the 0.0001 to 100 ether bounds.
func DefaultAmountPolicy() AmountPolicy {
	return AmountPolicy{
		Min: decimal.New(1, -4),
		Max: decimal.NewFromInt(100),
	}
}

// Check evaluates the rules in order and stops at the first failure:
// positive, then at least Min, then at most Max.
func (p AmountPolicy) Check(amount decimal.Decimal) Result {
	switch {
	case !amount.IsPositive():
		return fail(ReasonNonPositiveAmount)
	case amount.LessThan(p.Min):
		return fail(ReasonBelowMinimum)
	case amount.GreaterThan(p.Max):
		return fail(ReasonAboveMaximum)
	}
	return OK
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects malformed :address URL parameters early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   string(ReasonInvalidAddress),
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
