// Package webhooks delivers wallet events to external services.
//
// A wallet can register webhook URLs to receive notifications about:
// - Transactions analyzed, rejected or submitted from it
// - Contract analyses naming it
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/retry"
)

var (
	ErrNotFound   = errors.New("webhooks: subscription not found")
	ErrInvalidURL = errors.New("webhooks: invalid URL")
)

// MaxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// deliveryTimeout bounds one delivery including retries.
const deliveryTimeout = 30 * time.Second

// Headers set on every delivery.
const (
	HeaderEvent     = "X-QShield-Event"
	HeaderDelivery  = "X-QShield-Delivery"
	HeaderTimestamp = "X-QShield-Timestamp"
	HeaderSignature = "X-QShield-Signature"
)

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string        `json:"id"`
	Address             string        `json:"address"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"` // Used for HMAC signing
	Events              []events.Type `json:"events"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t. An
// empty event list receives everything.
func (s *Subscription) Wants(t events.Type) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAddress(ctx context.Context, address string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error

	// RecordSuccess resets the failure streak.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure increments the failure streak in place and deactivates
	// the subscription once it reaches limit. disabled is true only for the
	// call that deactivated it.
	RecordFailure(ctx context.Context, id, errMsg string, limit int) (failures int, disabled bool, err error)
}

// ValidateURL accepts absolute http(s) URLs whose host is not a loopback,
// private or link-local address.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: local hosts are not allowed", ErrInvalidURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: private addresses are not allowed", ErrInvalidURL)
		}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// -----------------------------------------------------------------------------
// Dispatcher
// -----------------------------------------------------------------------------

// Dispatcher sends events to the subscriptions of the wallet they concern.
// It implements events.Sink. Deliveries run in the background; Close waits
// for them.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	policy       retry.Policy
	urlValidator func(string) error
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		urlValidator: ValidateURL,
	}
}

func (d *Dispatcher) Name() string { return "webhooks" }

// Publish schedules delivery of ev to every active subscription of
// ev.Address that wants its type. Events without an address go nowhere.
func (d *Dispatcher) Publish(ctx context.Context, ev *events.Event) error {
	if ev.Address == "" {
		return nil
	}
	subs, err := d.store.ListByAddress(ctx, ev.Address)
	if err != nil {
		return fmt.Errorf("webhooks: list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(ev.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(sub, ev)
		}(sub)
	}
	return nil
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	return nil
}

// deliver runs detached from the publishing request.
func (d *Dispatcher) deliver(sub *Subscription, ev *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = d.policy.Do(ctx, func() error {
		return d.send(ctx, sub, ev, payload)
	})
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			"webhook_id", sub.ID, "event", ev.Type, "error", err)
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, ev *events.Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	if err := d.store.RecordSuccess(ctx, sub.ID, time.Now()); err != nil {
		d.logger.Warn("failed to update webhook", "webhook_id", sub.ID, "error", err)
	}
}

// recordFailure counts in the store, not on sub, because deliveries to the
// same subscription run concurrently from stale copies.
func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	failures, disabled, err := d.store.RecordFailure(ctx, sub.ID, errMsg, MaxConsecutiveFailures)
	if err != nil {
		d.logger.Warn("failed to update webhook", "webhook_id", sub.ID, "error", err)
		return
	}
	if disabled {
		metrics.WebhookDeliveriesTotal.WithLabelValues("disabled").Inc()
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook_id", sub.ID, "address", sub.Address, "failures", failures)
	}
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore is an in-memory implementation for testing and development
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// ListByAddress returns the address's subscriptions, newest first.
func (m *MemoryStore) ListByAddress(_ context.Context, address string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Address, address) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, errMsg string, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	disabled := sub.Active && sub.ConsecutiveFailures >= limit
	if disabled {
		sub.Active = false
	}
	return sub.ConsecutiveFailures, disabled, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
