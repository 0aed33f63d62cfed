// Package history records completed transfers with their risk score and
// attestation.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qshield/internal/pagination"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/risk"
)

// ErrNotFound is returned for unknown entries. It also matches
// receipts.ErrNotFound.
var ErrNotFound = fmt.Errorf("history: entry %w", receipts.ErrNotFound)

// StatusCompleted is the only status recorded: entries are written after a
// successful submission.
const StatusCompleted = "completed"

// Entry is one completed transfer.
type Entry struct {
	ID           string                `json:"id"`
	TxHash       string                `json:"hash"`
	Sender       string                `json:"sender"`
	Recipient    string                `json:"recipient"`
	Amount       decimal.Decimal       `json:"amount"`
	Kind         string                `json:"type"`
	Status       string                `json:"status"`
	SecurityMode receipts.Mode         `json:"security"`
	Risk         risk.Score            `json:"fraudAnalysis"`
	Warnings     []string              `json:"warnings,omitempty"`
	Attestation  *receipts.Attestation `json:"attestation,omitempty"`
	CreatedAt    time.Time             `json:"timestamp"`
}

// Payload returns the attested content of e.
func (e *Entry) Payload() receipts.Payload {
	return receipts.Payload{
		TxHash:     e.TxHash,
		Sender:     e.Sender,
		Recipient:  e.Recipient,
		Amount:     e.Amount,
		Kind:       e.Kind,
		Mode:       e.SecurityMode,
		Confidence: e.Risk.Confidence,
	}
}

// Store persists history entries.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// ListBySender returns the newest entries first, ordered by
	// (CreatedAt, ID) descending.
	ListBySender(ctx context.Context, sender string, limit int, opts ...ListOption) ([]*Entry, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor lists only entries after the cursor position. A nil cursor
// starts from the newest entry.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.cursor = c }
}

// after reports whether e sorts after c in newest-first order.
func after(e *Entry, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

// Lookup adapts a Store to receipts.Lookup.
type Lookup struct {
	Store Store
}

func (l Lookup) Attestation(ctx context.Context, id string) (receipts.Payload, *receipts.Attestation, error) {
	e, err := l.Store.Get(ctx, id)
	if err != nil {
		return receipts.Payload{}, nil, err
	}
	return e.Payload(), e.Attestation, nil
}
