package metadata

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a process-local map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*TenantMeta
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*TenantMeta)}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, meta *TenantMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[meta.ID()]; exists {
		return ErrExists
	}
	now := time.Now()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	meta.Version = 1
	s.records[meta.ID()] = meta.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*TenantMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.records[id]
	if !exists {
		return nil, nil
	}
	return meta.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, meta *TenantMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.records[meta.ID()]
	if !exists {
		return ErrNotFound
	}
	if stored.Version != meta.Version {
		return ErrVersionConflict
	}
	meta.Version++
	meta.UpdatedAt = time.Now()
	s.records[meta.ID()] = meta.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*TenantMeta)
	return nil
}

var _ Store = (*MemoryStore)(nil)
