package supabase

import (
	"context"
	"time"

	"github.com/creastat/memory"
	"github.com/creastat/memory/relsync"
)

// DefaultTable is the conversations table name.
const DefaultTable = "conversations"

// Store is the relational conversations source plus its lifecycle.
type Store interface {
	relsync.Source

	// Insert appends conversation rows. It exists for producers that log
	// chats through this package and for operator backfills.
	Insert(ctx context.Context, rows []relsync.Row) error

	// Close closes the Supabase client and releases resources
	Close() error
}

// conversationRow is the wire shape of one conversations record. created_at
// is kept as text because timestamp-without-zone columns arrive naive.
type conversationRow struct {
	ID              int64  `json:"id,omitempty"`
	UserID          string `json:"user_id"`
	RoleID          string `json:"role_id"`
	SessionID       string `json:"session_id,omitempty"`
	ConversationID  string `json:"conversation_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	CreatedAt       string `json:"created_at"`
	IsSync          *bool  `json:"is_sync"`
}

func (r conversationRow) toRow() (relsync.Row, error) {
	at, err := memory.ParseTime(r.CreatedAt)
	if err != nil {
		return relsync.Row{}, err
	}
	return relsync.Row{
		ID:              r.ID,
		UserID:          r.UserID,
		RoleID:          r.RoleID,
		SessionID:       r.SessionID,
		ConversationID:  r.ConversationID,
		MessageID:       r.MessageID,
		ParentMessageID: r.ParentMessageID,
		Role:            r.Role,
		Content:         r.Content,
		CreatedAt:       at,
		IsSync:          r.IsSync != nil && *r.IsSync,
	}, nil
}

func fromRow(r relsync.Row) conversationRow {
	synced := r.IsSync
	at := r.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return conversationRow{
		ID:              r.ID,
		UserID:          r.UserID,
		RoleID:          r.RoleID,
		SessionID:       r.SessionID,
		ConversationID:  r.ConversationID,
		MessageID:       r.MessageID,
		ParentMessageID: r.ParentMessageID,
		Role:            r.Role,
		Content:         r.Content,
		CreatedAt:       memory.FormatTime(at),
		IsSync:          &synced,
	}
}
