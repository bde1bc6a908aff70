// Package backend defines the uniform contract every long-term memory store
// implements, the registry that maps tier levels to constructors, and the
// heuristic that picks a tier for a query.
package backend

import (
	"context"
	"time"

	"github.com/creastat/memory"
)

// Level is the ordinal a tier is registered under.
type Level int

// Built-in tiers.
const (
	LevelBasic  Level = 0
	LevelVector Level = 1
	LevelGraph  Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelVector:
		return "vector"
	case LevelGraph:
		return "graph"
	}
	return "custom"
}

// PerformanceMetrics are coarse, static hints about a tier.
type PerformanceMetrics struct {
	Latency    float64 `json:"latency"`
	Throughput float64 `json:"throughput"`
	Accuracy   float64 `json:"accuracy"`
}

// Result is one retrieved memory.
type Result struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SyncStatus reports the progress of a relational sync for one tenant.
type SyncStatus struct {
	IsSyncing    bool       `json:"is_syncing"`
	Progress     float64    `json:"progress"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Error        string     `json:"error,omitempty"`
	Stored       int        `json:"stored"`
	Total        int        `json:"total"`
}

// Filters narrow a retrieval beyond the tenant scope.
type Filters map[string]any

// Backend is a long-term memory store.
//
// Retrieve must scope results to tenant.UserID and tenant.RoleID, and to
// tenant.SessionID only when present.
type Backend interface {
	Name() string
	Description() string
	Metrics() PerformanceMetrics

	// DialogBatchSize is the batch size this tier prefers.
	DialogBatchSize() int

	Store(ctx context.Context, mc memory.MemoryContext, tenant memory.TenantKey) error
	Retrieve(ctx context.Context, query string, topK int, tenant memory.TenantKey, filters Filters) ([]Result, error)
	Update(ctx context.Context, id string, data map[string]any, tenant memory.TenantKey) error
	Delete(ctx context.Context, id string, tenant memory.TenantKey) error

	// SyncToDatabase bulk-imports unsynced rows from the conversations table.
	SyncToDatabase(ctx context.Context, tenant memory.TenantKey, since, until *time.Time) error
	SyncStatus(tenant memory.TenantKey) SyncStatus

	Close() error
}
