package witness

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byCall map[string]string
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Record),
		byCall: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCall[rec.CallID]; ok {
		return ErrDuplicateCall
	}
	if _, ok := s.byID[rec.ID]; ok {
		return ErrDuplicateCall
	}
	c := cloneRecord(rec)
	s.byID[rec.ID] = &c
	s.byCall[rec.CallID] = rec.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(*rec), nil
}

func (s *MemoryStore) GetByCallID(ctx context.Context, callID string) (Record, error) {
	s.mu.RLock()
	id, ok := s.byCall[callID]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, cloneRecord(*rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status, apply func(*Record)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	next := cloneRecord(*rec)
	if err := advance(&next, to, apply, s.now()); err != nil {
		return Record{}, err
	}
	*rec = next
	return cloneRecord(next), nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec Record) Record {
	if rec.Receipt != nil {
		r := *rec.Receipt
		rec.Receipt = &r
	}
	return rec
}
