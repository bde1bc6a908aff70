package metadata

import (
	"time"

	"github.com/creastat/memory"
)

// TenantMeta is the persisted state of one (user, role) pair.
type TenantMeta struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	Enabled    bool       `json:"enabled"`
	Level      int        `json:"level"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Version    int64      `json:"version"`
}

// ID returns the record identifier. Metadata is session-agnostic.
func (m *TenantMeta) ID() string {
	return IDFor(memory.TenantKey{UserID: m.UserID, RoleID: m.RoleID})
}

// IDFor derives the record identifier for a tenant.
func IDFor(k memory.TenantKey) string {
	return k.UserID + ":" + k.RoleID
}

// New builds a fresh record for a tenant.
func New(k memory.TenantKey, level int) *TenantMeta {
	return &TenantMeta{UserID: k.UserID, RoleID: k.RoleID, Level: level}
}

// Clone returns a deep copy so callers can mutate without racing the cache.
func (m *TenantMeta) Clone() *TenantMeta {
	c := *m
	if m.LastSyncAt != nil {
		t := *m.LastSyncAt
		c.LastSyncAt = &t
	}
	return &c
}
