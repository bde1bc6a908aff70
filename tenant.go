package memory

import (
	"fmt"
	"strings"
)

// AllSessions is the session token used in key derivation when a TenantKey
// carries no session. It collapses the namespace to a tenant-wide bucket.
const AllSessions = "all_sessions"

// Redis key namespaces.
const (
	keyPrefix          = "memory"
	nsDialogCache      = "dialog_cache"
	nsProcessing       = "processing"
	nsWaiting          = "waiting"
	nsHistory          = "history"
	nsMetadataLock     = "metadata_lock"
	nsAdminLock        = "admin_lock"
	DialogCachePattern = keyPrefix + ":" + nsDialogCache + ":*"
)

// TenantKey scopes all memory state to a (user, role, session) triple.
// It is comparable and can be used directly as a map key.
type TenantKey struct {
	UserID    string `json:"user_id"`
	RoleID    string `json:"role_id"`
	SessionID string `json:"session_id,omitempty"`
}

// NewTenantKey builds a TenantKey and validates the mandatory fields.
func NewTenantKey(userID, roleID, sessionID string) (TenantKey, error) {
	k := TenantKey{UserID: userID, RoleID: roleID, SessionID: sessionID}
	return k, k.Validate()
}

// Validate returns an error when user_id or role_id is missing.
func (k TenantKey) Validate() error {
	if strings.TrimSpace(k.UserID) == "" {
		return ErrMissingUserID
	}
	if strings.TrimSpace(k.RoleID) == "" {
		return ErrMissingRoleID
	}
	return nil
}

// Session returns the session segment used in key derivation.
func (k TenantKey) Session() string {
	if k.SessionID == "" {
		return AllSessions
	}
	return k.SessionID
}

// HasSession reports whether the key is scoped to a single session.
func (k TenantKey) HasSession() bool {
	return k.SessionID != ""
}

func (k TenantKey) String() string {
	return k.UserID + ":" + k.RoleID + ":" + k.Session()
}

func (k TenantKey) key(ns string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", keyPrefix, ns, k.UserID, k.RoleID, k.Session())
}

// DialogCacheKey is the primary per-tenant turn buffer.
func (k TenantKey) DialogCacheKey() string { return k.key(nsDialogCache) }

// ProcessingKey is the per-tenant processing lock.
func (k TenantKey) ProcessingKey() string { return k.key(nsProcessing) }

// WaitingKey is the per-tenant overflow buffer.
func (k TenantKey) WaitingKey() string { return k.key(nsWaiting) }

// HistoryKey is the capped list of the most recent stored turns.
func (k TenantKey) HistoryKey() string { return k.key(nsHistory) }

// MetadataLockKey guards in-process metadata mutations. It is session-agnostic.
func (k TenantKey) MetadataLockKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, nsMetadataLock, k.UserID, k.RoleID)
}

// AdminLockKey returns the lock key for a single-writer admin operation.
func AdminLockKey(op string) string {
	return keyPrefix + ":" + nsAdminLock + ":" + op
}

// ParseTenantKey inverts key derivation for any memory:{ns}:{u}:{r}:{s} key.
// The all_sessions token maps back to an empty SessionID.
func ParseTenantKey(redisKey string) (TenantKey, error) {
	parts := strings.Split(redisKey, ":")
	if len(parts) < 5 || parts[0] != keyPrefix {
		return TenantKey{}, fmt.Errorf("memory: malformed tenant key %q", redisKey)
	}
	if len(parts) > 5 {
		return TenantKey{}, fmt.Errorf("%w: %q", ErrAmbiguousTenantKey, redisKey)
	}
	k := TenantKey{UserID: parts[2], RoleID: parts[3], SessionID: parts[4]}
	if k.SessionID == AllSessions {
		k.SessionID = ""
	}
	return k, k.Validate()
}
