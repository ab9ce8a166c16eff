package ledger

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append stores a record.
func (s *MemStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// List returns the records for an execution id, oldest first.
func (s *MemStore) List(_ context.Context, kind, execID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if r.Kind == kind && r.ExecID == execID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Latest returns the newest record for an execution id.
func (s *MemStore) Latest(ctx context.Context, kind, execID string) (Record, error) {
	recs, _ := s.List(ctx, kind, execID)
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[len(recs)-1], nil
}

// Recent returns up to limit records of a kind, newest first.
func (s *MemStore) Recent(_ context.Context, kind string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Kind != kind {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
