// Package metadata persists the lazily created per-tenant state of the
// memory pipeline: whether memory is enabled, which tier the tenant prefers
// and when it last synced from the relational store.
package metadata

import (
	"context"
	"errors"
)

// Errors returned by metadata stores.
var (
	ErrInvalidConfig    = errors.New("metadata: invalid configuration")
	ErrInvalidStoreType = errors.New("metadata: invalid store type")
	ErrVersionConflict  = errors.New("metadata: version conflict")
	ErrNotFound         = errors.New("metadata: not found")
	ErrExists           = errors.New("metadata: already exists")
)

// Store defines tenant metadata persistence with optimistic locking.
type Store interface {
	// Create stores a new record with Version set to 1.
	// Returns ErrExists if the tenant already has a record.
	Create(ctx context.Context, meta *TenantMeta) error

	// Get returns nil, nil when the tenant has no record.
	Get(ctx context.Context, id string) (*TenantMeta, error)

	// Update checks Version against the stored record, increments it and
	// persists. Returns ErrVersionConflict or ErrNotFound.
	Update(ctx context.Context, meta *TenantMeta) error

	Delete(ctx context.Context, id string) error

	Close() error
}
