package risk

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // lowercased subject -> oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assessments: make(map[string][]*Assessment)}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	key := strings.ToLower(a.Subject)
	s.assessments[key] = append(s.assessments[key], &cp)
	return nil
}

// ListBySubject returns the most recent assessments first, up to limit.
func (s *MemoryStore) ListBySubject(_ context.Context, subject string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[strings.ToLower(subject)]
	if len(all) == 0 || limit <= 0 {
		return nil, nil
	}
	start := max(len(all)-limit, 0)

	out := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}
