// Package relsync streams unsynced rows of the relational conversations table
// into a memory backend, using the same batching and summarization as live
// ingestion.
package relsync

import (
	"context"
	"time"

	"github.com/creastat/memory"
)

// Row mirrors one record of the conversations table.
type Row struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	RoleID          string    `json:"role_id"`
	SessionID       string    `json:"session_id"`
	ConversationID  string    `json:"conversation_id"`
	MessageID       string    `json:"message_id"`
	ParentMessageID string    `json:"parent_message_id"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	IsSync          bool      `json:"is_sync"`
}

// Turn converts the row into a dialog turn.
func (r Row) Turn() memory.DialogTurn {
	return memory.DialogTurn{
		Content:         r.Content,
		Source:          r.Role,
		Timestamp:       r.CreatedAt,
		ConversationID:  r.ConversationID,
		MessageID:       r.MessageID,
		ParentMessageID: r.ParentMessageID,
		Metadata:        map[string]any{"row_id": r.ID},
	}
}

// Matches reports whether the row belongs to tenant. The session is only
// compared when the tenant carries one.
func (r Row) Matches(tenant memory.TenantKey) bool {
	if r.UserID != tenant.UserID || r.RoleID != tenant.RoleID {
		return false
	}
	return !tenant.HasSession() || r.SessionID == tenant.SessionID
}

// Window bounds rows by created_at. Nil ends are open.
type Window struct {
	Since *time.Time
	Until *time.Time
}

// Contains reports whether t lies in [Since, Until].
func (w Window) Contains(t time.Time) bool {
	if w.Since != nil && t.Before(*w.Since) {
		return false
	}
	if w.Until != nil && t.After(*w.Until) {
		return false
	}
	return true
}

// Source is read access to the conversations table plus the bulk is_sync update.
// List methods return rows ordered by created_at ascending.
type Source interface {
	CountUnsynced(ctx context.Context, tenant memory.TenantKey, w Window) (int, error)
	ListUnsynced(ctx context.Context, tenant memory.TenantKey, w Window, limit int) ([]Row, error)
	// ListBefore returns up to limit rows created strictly before before,
	// the most recent ones, still in ascending order.
	ListBefore(ctx context.Context, tenant memory.TenantKey, before time.Time, limit int) ([]Row, error)
	MarkSynced(ctx context.Context, ids []int64) error
}

func turnsOf(rows []Row) []memory.DialogTurn {
	turns := make([]memory.DialogTurn, len(rows))
	for i, r := range rows {
		turns[i] = r.Turn()
	}
	return turns
}

func idsOf(rows []Row) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
