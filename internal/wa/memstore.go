package wa

import (
	"context"
	"sort"
	"sync"
	"time"

	"aegis.dev/internal/ids"
)

// InMemoryStore implements Store with in-process concurrency safety. It
// backs tests and embedded runtimes; the SQL stores are the durable
// backends. All invariants hold under a single mutex, so concurrent writers
// observe the same Conflict semantics as the transactional backends.
type InMemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Certificate
	byKID  map[string]string // key id -> certificate id
	audits map[string][]AuditRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Certificate),
		byKID:  make(map[string]string),
		audits: make(map[string][]AuditRecord),
	}
}

func (s *InMemoryStore) Insert(ctx context.Context, cert *Certificate) error {
	if cert == nil || cert.ID == "" || cert.KeyID == "" || !cert.Role.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[cert.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byKID[cert.KeyID]; ok {
		return ErrConflict
	}
	if cert.Role == RoleRoot && cert.Active {
		for _, existing := range s.byID {
			if existing.Role == RoleRoot && existing.Active {
				return ErrConflict
			}
		}
	}

	stored := cert.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.byID[stored.ID] = stored
	s.byKID[stored.KeyID] = stored.ID
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cert.Clone(), nil
}

func (s *InMemoryStore) GetByKeyID(ctx context.Context, keyID string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKID[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *InMemoryStore) GetByAdapter(ctx context.Context, adapterID string) (*Certificate, error) {
	if adapterID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cert := range s.byID {
		if cert.Active && cert.AdapterID == adapterID {
			return cert.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) GetByExternal(ctx context.Context, provider, externalID string) (*Certificate, error) {
	if provider == "" || externalID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cert := range s.byID {
		if cert.Active && cert.Binding.Provider == provider && cert.Binding.ExternalID == externalID {
			return cert.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) List(ctx context.Context, activeOnly bool) ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Certificate, 0, len(s.byID))
	for _, cert := range s.byID {
		if activeOnly && !cert.Active {
			continue
		}
		out = append(out, cert.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Update(ctx context.Context, cert *Certificate) error {
	if cert == nil || cert.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[cert.ID]
	if !ok {
		return ErrNotFound
	}
	if cert.Role != existing.Role {
		return ErrInvalidInput
	}
	if cert.KeyID != existing.KeyID {
		if _, taken := s.byKID[cert.KeyID]; taken {
			return ErrConflict
		}
		delete(s.byKID, existing.KeyID)
		s.byKID[cert.KeyID] = cert.ID
	}

	stored := cert.Clone()
	stored.Version = existing.Version + 1
	s.byID[cert.ID] = stored
	return nil
}

func (s *InMemoryStore) Deactivate(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	cert.Active = false
	cert.Version++
	s.audits[id] = append(s.audits[id], AuditRecord{
		ID:        ids.New(),
		WAID:      id,
		Event:     "deactivated",
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *InMemoryStore) ParentChain(ctx context.Context, id string) ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*Certificate
	seen := make(map[string]bool)
	current := id
	for current != "" {
		if seen[current] {
			return nil, ErrChainBroken
		}
		seen[current] = true
		cert, ok := s.byID[current]
		if !ok {
			return nil, ErrNotFound
		}
		chain = append(chain, cert.Clone())
		current = cert.ParentID
	}
	return chain, nil
}

func (s *InMemoryStore) TouchLastAuth(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	cert.LastAuthAt = at
	return nil
}

func (s *InMemoryStore) AuditTrail(ctx context.Context, id string) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditRecord(nil), s.audits[id]...), nil
}
