package incident

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory IncidentStore for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
}

// NewMemoryStore creates an in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]*Incident)}
}

func copyIncident(in *Incident) *Incident {
	cp := *in
	cp.Details = maps.Clone(in.Details)
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, in *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[in.ID] = copyIncident(in)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return copyIncident(in), nil
}

func (s *MemoryStore) Resolve(_ context.Context, id, resolution string, at time.Time) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	if in.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	in.Status = StatusResolved
	in.Resolution = resolution
	in.ResolvedAt = &at
	return copyIncident(in), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Incident, 0)
	for _, in := range s.incidents {
		if f.matches(in) {
			result = append(result, copyIncident(in))
		}
	}
	slices.SortFunc(result, func(a, b *Incident) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// MemoryLockoutStore is an in-memory LockoutStore for demo/test use.
type MemoryLockoutStore struct {
	mu       sync.Mutex
	lockouts map[string]Lockout
}

// NewMemoryLockoutStore creates an in-memory lockout store.
func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{lockouts: make(map[string]Lockout)}
}

func (s *MemoryLockoutStore) Acquire(_ context.Context, l *Lockout, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.lockouts[l.UserID]; ok && existing.Active(now) {
		return false, nil
	}
	s.lockouts[l.UserID] = *l
	return true, nil
}

func (s *MemoryLockoutStore) Put(_ context.Context, l *Lockout, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockouts[l.UserID] = *l
	return nil
}

func (s *MemoryLockoutStore) Get(_ context.Context, userID string) (*Lockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lockouts[userID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *MemoryLockoutStore) Delete(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lockouts[userID]
	delete(s.lockouts, userID)
	return ok, nil
}

// Compile-time assertions that the memory stores implement the interfaces.
var (
	_ IncidentStore = (*MemoryStore)(nil)
	_ LockoutStore  = (*MemoryLockoutStore)(nil)
)
