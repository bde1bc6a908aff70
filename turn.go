package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known dialog sources.
const (
	SourceUser      = "user"
	SourceAssistant = "assistant"
	SourceSystem    = "system"
)

// DialogTurn is one raw turn produced by the chat layer.
// The pipeline treats it as opaque except for Timestamp.
type DialogTurn struct {
	Content         string         `json:"content"`
	Source          string         `json:"source"`
	Timestamp       time.Time      `json:"timestamp"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	MessageID       string         `json:"message_id,omitempty"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Normalize fills defaults at enqueue time.
func (t *DialogTurn) Normalize(now time.Time) {
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	if t.Source == "" {
		t.Source = SourceUser
	}
}

type turnJSON struct {
	Content         string         `json:"content"`
	Source          string         `json:"source"`
	Timestamp       isoTime        `json:"timestamp"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	MessageID       string         `json:"message_id,omitempty"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON renders Timestamp as ISO-8601.
func (t DialogTurn) MarshalJSON() ([]byte, error) {
	return json.Marshal(turnJSON{
		Content:         t.Content,
		Source:          t.Source,
		Timestamp:       isoTime(t.Timestamp),
		ConversationID:  t.ConversationID,
		MessageID:       t.MessageID,
		ParentMessageID: t.ParentMessageID,
		Metadata:        t.Metadata,
	})
}

// UnmarshalJSON accepts ISO-8601 timestamps with or without a zone.
func (t *DialogTurn) UnmarshalJSON(b []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = DialogTurn{
		Content:         raw.Content,
		Source:          raw.Source,
		Timestamp:       time.Time(raw.Timestamp),
		ConversationID:  raw.ConversationID,
		MessageID:       raw.MessageID,
		ParentMessageID: raw.ParentMessageID,
		Metadata:        raw.Metadata,
	}
	return nil
}

// EncodeTurn serializes a turn for storage in Redis.
func EncodeTurn(t DialogTurn) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("memory: encode turn: %w", err)
	}
	return string(b), nil
}

// DecodeTurn parses a turn previously written by EncodeTurn.
func DecodeTurn(s string) (DialogTurn, error) {
	var t DialogTurn
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return DialogTurn{}, fmt.Errorf("memory: decode turn: %w", err)
	}
	return t, nil
}

// TurnFromMap builds a turn from a loosely typed map, as produced by callers
// that hand over decoded JSON objects.
func TurnFromMap(m map[string]any) (DialogTurn, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return DialogTurn{}, fmt.Errorf("memory: turn from map: %w", err)
	}
	var t DialogTurn
	if err := json.Unmarshal(b, &t); err != nil {
		return DialogTurn{}, fmt.Errorf("memory: turn from map: %w", err)
	}
	return t, nil
}
