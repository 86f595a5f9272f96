package reserve

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Every method
// runs under one mutex, which makes CompareAndSet indivisible for all
// allocators sharing the instance.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // insertion order, so Find is stable
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]*Record)}
}

func (s *InMemory) InsertMany(ctx context.Context, records []Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, r := range records {
		if _, ok := s.records[r.ID]; ok {
			continue
		}
		rec := copyRecord(r)
		s.records[r.ID] = &rec
		s.order = append(s.order, r.ID)
		inserted++
	}
	return inserted, nil
}

func (s *InMemory) CompareAndSet(ctx context.Context, id string, expected Status, next Update) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != expected {
		return false, nil
	}
	*rec = next.Apply(*rec)
	return true, nil
}

func (s *InMemory) Count(ctx context.Context, status Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) Find(ctx context.Context, status Status, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Record
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status != status {
			continue
		}
		res = append(res, copyRecord(*rec))
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(*rec), nil
}

func (s *InMemory) Existing(ctx context.Context, ids []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *InMemory) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.Status == StatusReserved && rec.ReservedAt != nil && rec.ReservedAt.Before(cutoff) {
			rec.Status = StatusAvailable
			rec.ReservedAt = nil
			n++
		}
	}
	return n, nil
}

// copyRecord returns r with its own ReservedAt.
func copyRecord(r Record) Record {
	if r.ReservedAt != nil {
		at := *r.ReservedAt
		r.ReservedAt = &at
	}
	return r
}
