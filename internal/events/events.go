// Package events fans analysis and submission events out to sinks such as
// the realtime WebSocket hub and a Kafka topic.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/qshield/internal/idgen"
	"github.com/mbd888/qshield/internal/metrics"
)

// Type names an event.
type Type string

const (
	TypeTransactionAnalyzed  Type = "transaction_analyzed"
	TypeTransactionRejected  Type = "transaction_rejected"
	TypeTransactionSubmitted Type = "transaction_submitted"
	TypeContractAnalyzed     Type = "contract_analyzed"
)

// Event is one published occurrence. Address is the wallet it concerns and
// is used for routing and subscription filters.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Address   string    `json:"address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// New creates an event with a fresh ID and the current time.
func New(typ Type, address string, data any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Address:   strings.ToLower(address),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Sink receives events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, s := range m {
		err := s.Publish(ctx, ev)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, err)
		}
		metrics.EventsPublishedTotal.WithLabelValues(s.Name(), result).Inc()
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev to s and logs failures. Event delivery never fails the
// operation that produced it. A nil sink is a no-op.
func Emit(ctx context.Context, s Sink, logger *slog.Logger, ev *Event) {
	if s == nil {
		return
	}
	if err := s.Publish(ctx, ev); err != nil {
		logger.Warn("event publish failed", "type", ev.Type, "id", ev.ID, "error", err)
	}
}
