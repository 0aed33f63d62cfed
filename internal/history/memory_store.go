package history

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	bySender map[string][]string // lowercased sender -> ids
}

// NewMemoryStore creates an in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		bySender: make(map[string][]string),
	}
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Warnings = append([]string(nil), e.Warnings...)
	if e.Attestation != nil {
		att := *e.Attestation
		cp.Attestation = &att
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.ID] = copyEntry(e)
	key := strings.ToLower(e.Sender)
	s.bySender[key] = append(s.bySender[key], e.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) ListBySender(_ context.Context, sender string, limit int, opts ...ListOption) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	o := applyListOpts(opts)

	var out []*Entry
	for _, id := range s.bySender[strings.ToLower(sender)] {
		if e := s.entries[id]; after(e, o.cursor) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		out[i] = copyEntry(e)
	}
	return out, nil
}
