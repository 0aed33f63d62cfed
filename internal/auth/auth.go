// Package auth provides API key authentication for wallet routes.
//
// Authentication model:
//   - Analysis and read endpoints: no auth required
//   - Transfers and webhook management: a key scoped to the wallet in the
//     path, or an operator key
//   - Operator keys come from configuration; wallet keys are issued by an
//     operator
//
// With no operator keys configured the Manager is disabled and every route
// stays open.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or revoked API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
)

// KeyPrefix starts every issued key.
const KeyPrefix = "qs_"

// lastUsedTimeout bounds the background LastUsed update.
const lastUsedTimeout = 5 * time.Second

// APIKey is the stored metadata of a key. The raw key is never stored.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Wallet    string     `json:"wallet,omitempty"` // empty for operator keys
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// IsOperator reports whether the key may act for every wallet.
func (k *APIKey) IsOperator() bool { return k.Wallet == "" }

// CanAct reports whether the key may act for wallet.
func (k *APIKey) CanAct(wallet string) bool {
	return k.IsOperator() || strings.EqualFold(k.Wallet, wallet)
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByWallet(ctx context.Context, wallet string) ([]*APIKey, error)
	Revoke(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates keys.
type Manager struct {
	store     Store
	operators map[string]*APIKey // by hash
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager. operatorKeys are raw keys accepted for every
// wallet; they live only in memory.
func NewManager(store Store, operatorKeys []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		operators: make(map[string]*APIKey, len(operatorKeys)),
		logger:    logger,
		now:       time.Now,
	}
	for i, raw := range operatorKeys {
		h := hashKey(raw)
		m.operators[h] = &APIKey{
			ID:        "op_" + h[:12],
			Hash:      h,
			Name:      "operator-" + strconv.Itoa(i+1),
			CreatedAt: m.now(),
		}
	}
	return m
}

// Enabled reports whether authentication is enforced.
func (m *Manager) Enabled() bool { return len(m.operators) > 0 }

// GenerateKey issues a key for wallet. It returns the raw key, shown once,
// and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, wallet, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	raw := KeyPrefix + hex.EncodeToString(b)

	key := &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(raw),
		Wallet:    strings.ToLower(wallet),
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	h := hashKey(raw)
	if op, ok := m.operators[h]; ok {
		return op, nil
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, h)
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	go m.touch(key.ID)
	return key, nil
}

func (m *Manager) touch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
	defer cancel()
	if err := m.store.Touch(ctx, id, m.now().UTC()); err != nil {
		m.logger.Debug("failed to record key use", "key_id", id, "error", err)
	}
}

// ListKeys returns the wallet's keys, newest first.
func (m *Manager) ListKeys(ctx context.Context, wallet string) ([]*APIKey, error) {
	return m.store.ListByWallet(ctx, strings.ToLower(wallet))
}

// RevokeKey revokes one of the wallet's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, wallet string) error {
	keys, err := m.store.ListByWallet(ctx, strings.ToLower(wallet))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return m.store.Revoke(ctx, keyID)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByWallet(_ context.Context, wallet string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Wallet, wallet) {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = &at
	return nil
}
