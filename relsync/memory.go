package relsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/creastat/memory"
)

// MemorySource is an in-process conversations table.
type MemorySource struct {
	mu     sync.RWMutex
	rows   []Row
	nextID int64
}

// NewMemorySource creates an empty table.
func NewMemorySource() *MemorySource {
	return &MemorySource{nextID: 1}
}

// Insert adds rows, assigning ids to rows that have none.
func (s *MemorySource) Insert(rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if r.ID == 0 {
			r.ID = s.nextID
		}
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
		s.rows = append(s.rows, r)
	}
	sort.SliceStable(s.rows, func(i, j int) bool {
		return s.rows[i].CreatedAt.Before(s.rows[j].CreatedAt)
	})
}

// Rows returns a snapshot of every row.
func (s *MemorySource) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// CountUnsynced implements Source.
func (s *MemorySource) CountUnsynced(_ context.Context, tenant memory.TenantKey, w Window) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rows {
		if !r.IsSync && r.Matches(tenant) && w.Contains(r.CreatedAt) {
			n++
		}
	}
	return n, nil
}

// ListUnsynced implements Source.
func (s *MemorySource) ListUnsynced(_ context.Context, tenant memory.TenantKey, w Window, limit int) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Row
	for _, r := range s.rows {
		if len(out) >= limit {
			break
		}
		if !r.IsSync && r.Matches(tenant) && w.Contains(r.CreatedAt) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListBefore implements Source.
func (s *MemorySource) ListBefore(_ context.Context, tenant memory.TenantKey, before time.Time, limit int) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Row
	for _, r := range s.rows {
		if r.Matches(tenant) && r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// MarkSynced implements Source.
func (s *MemorySource) MarkSynced(_ context.Context, ids []int64) error {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if _, ok := set[s.rows[i].ID]; ok {
			s.rows[i].IsSync = true
		}
	}
	return nil
}

var _ Source = (*MemorySource)(nil)
