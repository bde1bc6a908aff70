package memory

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// transcriptSeparator joins turns in a summarized transcript.
const transcriptSeparator = "\n\n"

// SummarizeOptions controls how a drained batch becomes a MemoryContext.
type SummarizeOptions struct {
	// AutoSummarize relabels roles in the transcript ("User:hi"). When false,
	// multi-turn batches still collapse into one context but Content is the
	// plain concatenation of turn contents.
	AutoSummarize bool

	// MaxHistory bounds the attached history window. Zero means DefaultMaxHistory.
	MaxHistory int

	// Now stamps summarized contexts. Defaults to time.Now.
	Now func() time.Time

	Logger logrus.FieldLogger
}

// DefaultMaxHistory is the default size of the history window.
const DefaultMaxHistory = 10

// RoleLabel maps a turn source to its transcript label.
func RoleLabel(source string) string {
	switch strings.ToLower(source) {
	case "assistant", "ai":
		return "AI"
	case "user":
		return "User"
	case "":
		return ""
	}
	r, size := utf8.DecodeRuneInString(source)
	return string(unicode.ToUpper(r)) + source[size:]
}

// SortTurns sorts turns by timestamp ascending in place. Ties keep their
// insertion order.
func SortTurns(turns []DialogTurn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
}

// Summarize builds the MemoryContext for a batch. The batch is copied and
// sorted; history is filtered to turns strictly older than the batch and
// trimmed to the configured window.
func Summarize(batch []DialogTurn, history []DialogTurn, opts SummarizeOptions) (MemoryContext, error) {
	if len(batch) == 0 {
		return MemoryContext{}, ErrEmptyBatch
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}

	sorted := make([]DialogTurn, len(batch))
	copy(sorted, batch)
	SortTurns(sorted)

	hist := olderThan(history, sorted[0].Timestamp)
	hist = TrimHistory(hist, maxHistory)

	if len(sorted) == 1 {
		return passthrough(sorted[0], hist), nil
	}

	roles := make(map[string]struct{})
	metadata := make(map[string]any)
	lines := make([]string, 0, len(sorted))
	var conversationID string
	for i, t := range sorted {
		label := RoleLabel(t.Source)
		if label != "" {
			roles[label] = struct{}{}
		}
		for k, v := range t.Metadata {
			metadata[k] = v
		}
		if t.ConversationID != "" {
			conversationID = t.ConversationID
		}
		if strings.TrimSpace(t.Content) == "" {
			log.WithFields(logrus.Fields{
				"index":      i,
				"source":     t.Source,
				"message_id": t.MessageID,
			}).Warn("memory: skipping empty turn in transcript")
			continue
		}
		if opts.AutoSummarize {
			lines = append(lines, label+":"+t.Content)
		} else {
			lines = append(lines, t.Content)
		}
	}
	content := strings.Join(lines, transcriptSeparator)
	metadata["token_estimate"] = EstimateTokens(content)

	return MemoryContext{
		Content:        content,
		Source:         "summary",
		Timestamp:      now(),
		DialogRoles:    roles,
		SourceDialog:   sorted,
		History:        hist,
		IsSummarized:   true,
		SummaryCount:   len(sorted),
		ConversationID: conversationID,
		SessionID:      sessionFromMetadata(metadata),
		Metadata:       metadata,
	}, nil
}

func passthrough(t DialogTurn, hist []DialogTurn) MemoryContext {
	roles := make(map[string]struct{})
	if label := RoleLabel(t.Source); label != "" {
		roles[label] = struct{}{}
	}
	metadata := make(map[string]any, len(t.Metadata)+1)
	for k, v := range t.Metadata {
		metadata[k] = v
	}
	metadata["token_estimate"] = EstimateTokens(t.Content)
	return MemoryContext{
		Content:        t.Content,
		Source:         t.Source,
		Timestamp:      t.Timestamp,
		DialogRoles:    roles,
		SourceDialog:   []DialogTurn{t},
		History:        hist,
		IsSummarized:   false,
		SummaryCount:   1,
		ConversationID: t.ConversationID,
		SessionID:      sessionFromMetadata(metadata),
		Metadata:       metadata,
	}
}

func olderThan(turns []DialogTurn, cutoff time.Time) []DialogTurn {
	out := make([]DialogTurn, 0, len(turns))
	for _, t := range turns {
		if t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	SortTurns(out)
	return out
}

func sessionFromMetadata(m map[string]any) string {
	if s, ok := m["session_id"].(string); ok {
		return s
	}
	return ""
}

// WithSession returns a copy of mc stamped with the tenant's session.
func (mc MemoryContext) WithSession(k TenantKey) MemoryContext {
	if k.HasSession() {
		mc.SessionID = k.SessionID
	}
	return mc
}
