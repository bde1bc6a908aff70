package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MemoryContext is the unit handed to a backend. It is immutable once built.
//
// SourceDialog is sorted by timestamp ascending, Content is the transcript of
// SourceDialog in that order and SummaryCount equals len(SourceDialog).
type MemoryContext struct {
	Content        string
	Source         string
	Timestamp      time.Time
	DialogRoles    map[string]struct{}
	SourceDialog   []DialogTurn
	History        []DialogTurn
	IsSummarized   bool
	SummaryCount   int
	ConversationID string
	SessionID      string
	Metadata       map[string]any
}

// Roles returns the dialog roles as a sorted slice.
func (mc *MemoryContext) Roles() []string {
	roles := make([]string, 0, len(mc.DialogRoles))
	for r := range mc.DialogRoles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// HasRole reports whether role appears in the context's dialog.
func (mc *MemoryContext) HasRole(role string) bool {
	_, ok := mc.DialogRoles[role]
	return ok
}

// Validate checks the structural invariants of a context.
func (mc *MemoryContext) Validate() error {
	if mc.SummaryCount != len(mc.SourceDialog) {
		return fmt.Errorf("memory: summary_count %d != %d source turns", mc.SummaryCount, len(mc.SourceDialog))
	}
	for i := 1; i < len(mc.SourceDialog); i++ {
		if mc.SourceDialog[i].Timestamp.Before(mc.SourceDialog[i-1].Timestamp) {
			return fmt.Errorf("memory: source_dialog not sorted at index %d", i)
		}
	}
	return nil
}

type contextJSON struct {
	Content        string         `json:"content"`
	Source         string         `json:"source"`
	Timestamp      isoTime        `json:"timestamp"`
	DialogRoles    []string       `json:"dialog_roles"`
	SourceDialog   []DialogTurn   `json:"source_dialog"`
	History        []DialogTurn   `json:"history"`
	IsSummarized   bool           `json:"is_summarized"`
	SummaryCount   int            `json:"summary_count"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON renders the context with ISO-8601 timestamps and roles as a sorted list.
func (mc MemoryContext) MarshalJSON() ([]byte, error) {
	sd := mc.SourceDialog
	if sd == nil {
		sd = []DialogTurn{}
	}
	h := mc.History
	if h == nil {
		h = []DialogTurn{}
	}
	return json.Marshal(contextJSON{
		Content:        mc.Content,
		Source:         mc.Source,
		Timestamp:      isoTime(mc.Timestamp),
		DialogRoles:    mc.Roles(),
		SourceDialog:   sd,
		History:        h,
		IsSummarized:   mc.IsSummarized,
		SummaryCount:   mc.SummaryCount,
		ConversationID: mc.ConversationID,
		SessionID:      mc.SessionID,
		Metadata:       mc.Metadata,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (mc *MemoryContext) UnmarshalJSON(b []byte) error {
	var raw contextJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	roles := make(map[string]struct{}, len(raw.DialogRoles))
	for _, r := range raw.DialogRoles {
		roles[r] = struct{}{}
	}
	*mc = MemoryContext{
		Content:        raw.Content,
		Source:         raw.Source,
		Timestamp:      time.Time(raw.Timestamp),
		DialogRoles:    roles,
		SourceDialog:   raw.SourceDialog,
		History:        raw.History,
		IsSummarized:   raw.IsSummarized,
		SummaryCount:   raw.SummaryCount,
		ConversationID: raw.ConversationID,
		SessionID:      raw.SessionID,
		Metadata:       raw.Metadata,
	}
	return nil
}

// ToMap converts the context into a generic map using the JSON field names.
func (mc MemoryContext) ToMap() (map[string]any, error) {
	b, err := json.Marshal(mc)
	if err != nil {
		return nil, fmt.Errorf("memory: context to map: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("memory: context to map: %w", err)
	}
	return m, nil
}

// ContextFromMap rebuilds a context from the output of ToMap.
func ContextFromMap(m map[string]any) (MemoryContext, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return MemoryContext{}, fmt.Errorf("memory: context from map: %w", err)
	}
	var mc MemoryContext
	if err := json.Unmarshal(b, &mc); err != nil {
		return MemoryContext{}, fmt.Errorf("memory: context from map: %w", err)
	}
	return mc, nil
}
