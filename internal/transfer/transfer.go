// Package transfer runs a deposit or send through validation, suspicion
// checks and risk scoring, then submits it to the chain and records it.
//
// A transaction moves through
//
//	draft → address_validated → amount_validated → suspicion_checked → risk_scored → submitted
//
// and drops to rejected at the first failing step. Analyze stops at
// risk_scored; Submit continues to the chain.
package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qshield/internal/history"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/recommend"
	"github.com/mbd888/qshield/internal/risk"
	"github.com/mbd888/qshield/internal/suspicion"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress    = errors.New("transfer: invalid address")
	ErrNonPositiveAmount = errors.New("transfer: amount must be positive")
	ErrBelowMinimum      = errors.New("transfer: amount below minimum")
	ErrAboveMaximum      = errors.New("transfer: amount above maximum")
	ErrFraudulent        = errors.New("transfer: classified as fraudulent")
	ErrUnknownKind       = errors.New("transfer: unknown transaction type")
	ErrSubmitDisabled    = errors.New("transfer: submission not configured")

	// ErrSuspicious matches every *SuspiciousActivityError.
	ErrSuspicious = errors.New("transfer: suspicious activity")
)

// SuspiciousActivityError reports the heuristic that rejected a transaction.
type SuspiciousActivityError struct {
	Reason   suspicion.Reason
	Severity suspicion.Severity
}

func (e *SuspiciousActivityError) Error() string {
	return fmt.Sprintf("transfer: suspicious activity detected: %s (%s)", e.Reason, e.Severity)
}

func (e *SuspiciousActivityError) Is(target error) bool { return target == ErrSuspicious }

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

// Kind is deposit or send.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindSend    Kind = "send"
)

// ParseKind parses a transaction type.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDeposit, KindSend:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Request is the caller's input for one transaction.
type Request struct {
	Kind      Kind
	Sender    string
	Recipient string // ignored for deposits
	Amount    decimal.Decimal
	Mode      receipts.Mode
}

// Transaction is an immutable transfer request. Pass it by value.
type Transaction struct {
	Kind      Kind            `json:"type"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Mode      receipts.Mode   `json:"securityMode"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewTransaction builds a transaction created at at. Deposits carry no
// recipient; an empty mode is standard.
func NewTransaction(req Request, at time.Time) Transaction {
	tx := Transaction{
		Kind:      req.Kind,
		Sender:    strings.TrimSpace(req.Sender),
		Recipient: strings.TrimSpace(req.Recipient),
		Amount:    req.Amount,
		Mode:      req.Mode,
		CreatedAt: at.UTC(),
	}
	if tx.Kind == KindDeposit {
		tx.Recipient = ""
	}
	if tx.Mode == "" {
		tx.Mode = receipts.ModeStandard
	}
	return tx
}

// Destination is where the value goes on chain. A deposit is a transfer to
// the sender's own address.
func (t Transaction) Destination() string {
	if t.Kind == KindDeposit {
		return t.Sender
	}
	return t.Recipient
}

func (t Transaction) riskInput() risk.Transaction {
	return risk.Transaction{
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Amount:    t.Amount,
		Kind:      string(t.Kind),
		At:        t.CreatedAt,
	}
}

// -----------------------------------------------------------------------------
// Outcome
// -----------------------------------------------------------------------------

// State is a pipeline stage.
type State string

const (
	StateDraft            State = "draft"
	StateAddressValidated State = "address_validated"
	StateAmountValidated  State = "amount_validated"
	StateSuspicionChecked State = "suspicion_checked"
	StateRiskScored       State = "risk_scored"
	StateSubmitted        State = "submitted"
	StateRejected         State = "rejected"
)

// Policy decides what a fraudulent score does.
type Policy string

const (
	PolicyBlock Policy = "block"
	PolicyWarn  Policy = "warn"
)

// Warning codes attached to an outcome.
const (
	WarningProviderUnavailable = "provider_unavailable"
	WarningFraudulent          = "fraudulent"
	WarningAttestationFailed   = "attestation_failed"
	WarningHistoryUnavailable  = "history_unavailable"
)

// Rejection reasons not covered by validation or suspicion reasons.
const (
	ReasonFraudulent  = "fraudulent"
	ReasonUnknownKind = "unknown_type"
)

// Outcome is everything the pipeline learned about a transaction.
type Outcome struct {
	Transaction     Transaction                `json:"transaction"`
	State           State                      `json:"state"`
	Reason          string                     `json:"reason,omitempty"`
	Suspicion       *suspicion.Result          `json:"suspicion,omitempty"`
	Risk            *risk.Score                `json:"fraudAnalysis,omitempty"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
	Warnings        []string                   `json:"warnings,omitempty"`
	Entry           *history.Entry             `json:"entry,omitempty"`
}

// Rejected reports whether the transaction was rejected.
func (o *Outcome) Rejected() bool { return o.State == StateRejected }

func (o *Outcome) warn(code string) {
	for _, w := range o.Warnings {
		if w == code {
			return
		}
	}
	o.Warnings = append(o.Warnings, code)
}
