package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry // entries[i].ID == i+1
	byKey   map[string]int64
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]int64)}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry, seal SealFunc) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if id, ok := s.byKey[e.IdempotencyKey]; ok {
			cp := *s.entries[id-1]
			return &cp, false, nil
		}
	}

	prev := ""
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1].CurrentHash
	}
	seal(e, prev)
	e.ID = int64(len(s.entries)) + 1

	cp := *e
	s.entries = append(s.entries, &cp)
	if e.IdempotencyKey != "" {
		s.byKey[e.IdempotencyKey] = e.ID
	}
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id < 1 || id > int64(len(s.entries)) {
		return nil, ErrEntryNotFound
	}
	cp := *s.entries[id-1]
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	keep := func(e *Entry) bool {
		if f.UserID != "" && e.UserID != f.UserID {
			return true
		}
		if f.Action != "" && e.Action != f.Action {
			return true
		}
		if f.AfterID > 0 && e.ID <= f.AfterID {
			return true
		}
		if f.BeforeID > 0 && e.ID >= f.BeforeID {
			return true
		}
		cp := *e
		result = append(result, &cp)
		return f.Limit <= 0 || len(result) < f.Limit
	}

	if f.Descending {
		for i := len(s.entries) - 1; i >= 0; i-- {
			if !keep(s.entries[i]) {
				break
			}
		}
	} else {
		for _, e := range s.entries {
			if !keep(e) {
				break
			}
		}
	}
	return result, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
