package history

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string][]*Record // userID → records in (Timestamp, ID) order
	owners  map[int64]string
}

// NewMemoryStore creates an in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Record),
		owners:  make(map[int64]string),
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	cp := *rec

	// Keep per-user slices ordered by time; records normally arrive in
	// order so the insertion point is almost always the end.
	list := s.records[rec.UserID]
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(cp.Timestamp) {
		i--
	}
	s.records[rec.UserID] = slices.Insert(list, i, &cp)
	s.owners[cp.ID] = cp.UserID
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.records[q.UserID]
	var result []*Record
	visit := func(r *Record) bool {
		if q.matches(r) {
			cp := *r
			result = append(result, &cp)
		}
		return q.Limit <= 0 || len(result) < q.Limit
	}

	if q.Newest {
		for i := len(list) - 1; i >= 0; i-- {
			if !visit(list[i]) {
				break
			}
		}
	} else {
		for _, r := range list {
			if !visit(r) {
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) Count(ctx context.Context, q Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records[q.UserID] {
		if q.matches(r) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Latest(ctx context.Context, userID string, kind Kind, outcome Outcome) (*Record, error) {
	recs, err := s.Query(ctx, Query{UserID: userID, Kind: kind, Outcome: outcome, Newest: true, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.owners[id]
	if !ok {
		return ErrRecordNotFound
	}
	delete(s.owners, id)
	s.records[userID] = slices.DeleteFunc(s.records[userID], func(r *Record) bool { return r.ID == id })
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
