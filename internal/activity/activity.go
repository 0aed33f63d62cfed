// Package activity tracks when each sender last submitted a transaction
// through this service. The suspicion timing check combines it with the
// on-chain block scan, which lags until the transaction is mined.
package activity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured is returned by NewRedisTracker without a URL.
var ErrNotConfigured = errors.New("activity: redis URL not configured")

// Tracker records and reports per-address last activity.
type Tracker interface {
	// Touch records activity for addr at t. Earlier times never overwrite later ones.
	Touch(ctx context.Context, addr string, t time.Time) error
	// LastSeen returns the latest recorded activity for addr; ok is false if none.
	LastSeen(ctx context.Context, addr string) (t time.Time, ok bool, err error)
}

func key(addr string) string {
	return strings.ToLower(addr)
}

// MemoryTracker is an in-process Tracker for development and tests.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]time.Time)}
}

func (m *MemoryTracker) Touch(_ context.Context, addr string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(addr)
	if prev, ok := m.seen[k]; !ok || t.After(prev) {
		m.seen[k] = t
	}
	return nil
}

func (m *MemoryTracker) LastSeen(_ context.Context, addr string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.seen[key(addr)]
	return t, ok, nil
}
