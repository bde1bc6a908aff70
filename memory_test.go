package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := memory.ParseTime(s)
	require.NoError(t, err)
	return v
}

func TestTenantKeyDerivation(t *testing.T) {
	k := memory.TenantKey{UserID: "u1", RoleID: "r1"}
	assert.Equal(t, "memory:dialog_cache:u1:r1:all_sessions", k.DialogCacheKey())
	assert.Equal(t, "memory:processing:u1:r1:all_sessions", k.ProcessingKey())
	assert.Equal(t, "memory:waiting:u1:r1:all_sessions", k.WaitingKey())
	assert.Equal(t, "memory:history:u1:r1:all_sessions", k.HistoryKey())
	assert.Equal(t, "memory:metadata_lock:u1:r1", k.MetadataLockKey())

	s := memory.TenantKey{UserID: "u1", RoleID: "r1", SessionID: "s9"}
	assert.Equal(t, "memory:waiting:u1:r1:s9", s.WaitingKey())
	assert.NotEqual(t, k, s)

	parsed, err := memory.ParseTenantKey(k.DialogCacheKey())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	parsed, err = memory.ParseTenantKey(s.HistoryKey())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)

	_, err = memory.ParseTenantKey("queue:memory_tasks")
	assert.Error(t, err)

	colon := memory.TenantKey{UserID: "org:42", RoleID: "r1"}
	_, err = memory.ParseTenantKey(colon.DialogCacheKey())
	assert.ErrorIs(t, err, memory.ErrAmbiguousTenantKey)
}

func TestTenantKeyValidate(t *testing.T) {
	_, err := memory.NewTenantKey("", "r", "")
	assert.ErrorIs(t, err, memory.ErrMissingUserID)
	_, err = memory.NewTenantKey("u", " ", "")
	assert.ErrorIs(t, err, memory.ErrMissingRoleID)
	assert.True(t, memory.IsValidation(err))
	_, err = memory.NewTenantKey("u", "r", "")
	assert.NoError(t, err)
}

func TestTurnCodecNaiveTimestamp(t *testing.T) {
	turn, err := memory.TurnFromMap(map[string]any{
		"content":   "hi",
		"source":    "user",
		"timestamp": "2024-01-01T00:00:00",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), turn.Timestamp)

	enc, err := memory.EncodeTurn(turn)
	require.NoError(t, err)
	assert.Contains(t, enc, `"timestamp":"2024-01-01T00:00:00Z"`)

	dec, err := memory.DecodeTurn(enc)
	require.NoError(t, err)
	assert.True(t, dec.Timestamp.Equal(turn.Timestamp))
	assert.Equal(t, "hi", dec.Content)

	_, err = memory.DecodeTurn("{not json")
	assert.Error(t, err)
}

func TestTurnCodecKeepsZone(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	turn := memory.DialogTurn{Content: "你好", Source: "user", Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 500, loc)}
	enc, err := memory.EncodeTurn(turn)
	require.NoError(t, err)
	dec, err := memory.DecodeTurn(enc)
	require.NoError(t, err)
	assert.True(t, dec.Timestamp.Equal(turn.Timestamp))
	_, off := dec.Timestamp.Zone()
	assert.Equal(t, 8*3600, off)
}

func TestRoleLabel(t *testing.T) {
	cases := map[string]string{
		"assistant": "AI",
		"ai":        "AI",
		"AI":        "AI",
		"user":      "User",
		"system":    "System",
		"narrator":  "Narrator",
	}
	for in, want := range cases {
		assert.Equal(t, want, memory.RoleLabel(in), in)
	}
}

func TestSummarizeBatchOfTwo(t *testing.T) {
	batch := []memory.DialogTurn{
		{Content: "hi", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:00")},
		{Content: "hello", Source: "assistant", Timestamp: ts(t, "2024-01-01T00:00:01")},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	assert.Equal(t, "User:hi\n\nAI:hello", mc.Content)
	assert.Equal(t, 2, mc.SummaryCount)
	assert.True(t, mc.IsSummarized)
	assert.Equal(t, []string{"AI", "User"}, mc.Roles())
	assert.Empty(t, mc.History)
	assert.NoError(t, mc.Validate())
}

func TestSummarizeReordersOutOfOrder(t *testing.T) {
	batch := []memory.DialogTurn{
		{Content: "second", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:02")},
		{Content: "first", Source: "assistant", Timestamp: ts(t, "2024-01-01T00:00:01")},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	assert.Equal(t, "AI:first\n\nUser:second", mc.Content)
	assert.True(t, mc.SourceDialog[0].Timestamp.Before(mc.SourceDialog[1].Timestamp))
	// input untouched
	assert.Equal(t, "second", batch[0].Content)
}

func TestSummarizeTiesKeepInsertionOrder(t *testing.T) {
	at := ts(t, "2024-01-01T00:00:00")
	batch := []memory.DialogTurn{
		{Content: "a", Source: "user", Timestamp: at},
		{Content: "b", Source: "user", Timestamp: at},
		{Content: "c", Source: "user", Timestamp: at},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	assert.Equal(t, "User:a\n\nUser:b\n\nUser:c", mc.Content)
}

func TestSummarizeWithoutAutoSummarize(t *testing.T) {
	batch := []memory.DialogTurn{
		{Content: "hi", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:00")},
		{Content: "hello", Source: "assistant", Timestamp: ts(t, "2024-01-01T00:00:01")},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi\n\nhello", mc.Content)
	assert.True(t, mc.IsSummarized)
}

func TestSummarizeEmptyTurnKeptInSourceDialog(t *testing.T) {
	batch := []memory.DialogTurn{
		{Content: "hi", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:00")},
		{Content: "  ", Source: "assistant", Timestamp: ts(t, "2024-01-01T00:00:01")},
		{Content: "bye", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:02")},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	assert.Equal(t, "User:hi\n\nUser:bye", mc.Content)
	assert.Len(t, mc.SourceDialog, 3)
	assert.Equal(t, 3, mc.SummaryCount)
}

func TestSummarizeMetadataLaterWins(t *testing.T) {
	batch := []memory.DialogTurn{
		{Content: "a", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:00"), Metadata: map[string]any{"mood": "calm", "x": 1}},
		{Content: "b", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:01"), Metadata: map[string]any{"mood": "happy"}, ConversationID: "c1"},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	assert.Equal(t, "happy", mc.Metadata["mood"])
	assert.Equal(t, 1, mc.Metadata["x"])
	assert.Equal(t, "c1", mc.ConversationID)
}

func TestSummarizePassthrough(t *testing.T) {
	turn := memory.DialogTurn{Content: "only", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:00")}
	mc, err := memory.Summarize([]memory.DialogTurn{turn}, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	assert.False(t, mc.IsSummarized)
	assert.Equal(t, 1, mc.SummaryCount)
	assert.Equal(t, "only", mc.Content)
	assert.True(t, mc.HasRole("User"))

	_, err = memory.Summarize(nil, nil, memory.SummarizeOptions{})
	assert.ErrorIs(t, err, memory.ErrEmptyBatch)
}

func TestSummarizeHistoryWindow(t *testing.T) {
	base := ts(t, "2024-01-01T00:00:00")
	var hist []memory.DialogTurn
	for i := 0; i < 15; i++ {
		hist = append(hist, memory.DialogTurn{Content: "h", Source: "user", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	// a history entry newer than the batch must be excluded
	hist = append(hist, memory.DialogTurn{Content: "late", Source: "user", Timestamp: base.Add(time.Hour)})

	batch := []memory.DialogTurn{
		{Content: "a", Source: "user", Timestamp: base.Add(time.Minute)},
		{Content: "b", Source: "assistant", Timestamp: base.Add(time.Minute + time.Second)},
	}
	mc, err := memory.Summarize(batch, hist, memory.SummarizeOptions{AutoSummarize: true, MaxHistory: 10})
	require.NoError(t, err)
	require.Len(t, mc.History, 10)
	for _, h := range mc.History {
		assert.True(t, h.Timestamp.Before(mc.SourceDialog[0].Timestamp))
	}
	assert.Equal(t, base.Add(5*time.Second), mc.History[0].Timestamp)
}

func TestContextRoundTrip(t *testing.T) {
	batch := []memory.DialogTurn{
		{Content: "hi", Source: "user", Timestamp: ts(t, "2024-01-01T00:00:00"), MessageID: "m1"},
		{Content: "hello", Source: "assistant", Timestamp: ts(t, "2024-01-01T00:00:01"), ParentMessageID: "m1"},
	}
	mc, err := memory.Summarize(batch, nil, memory.SummarizeOptions{AutoSummarize: true})
	require.NoError(t, err)
	mc = mc.WithSession(memory.TenantKey{UserID: "u", RoleID: "r", SessionID: "s"})

	m, err := mc.ToMap()
	require.NoError(t, err)
	back, err := memory.ContextFromMap(m)
	require.NoError(t, err)

	assert.Equal(t, mc.Content, back.Content)
	assert.Equal(t, mc.DialogRoles, back.DialogRoles)
	assert.Equal(t, mc.SummaryCount, back.SummaryCount)
	assert.Equal(t, mc.IsSummarized, back.IsSummarized)
	assert.Equal(t, "s", back.SessionID)
	assert.True(t, mc.Timestamp.Equal(back.Timestamp))
	require.Len(t, back.SourceDialog, 2)
	assert.Equal(t, "m1", back.SourceDialog[1].ParentMessageID)
	assert.True(t, back.SourceDialog[0].Timestamp.Equal(batch[0].Timestamp))
	assert.NoError(t, back.Validate())
}

func TestTrimHistory(t *testing.T) {
	turns := []memory.DialogTurn{{Content: "1"}, {Content: "2"}, {Content: "3"}}
	got := memory.TrimHistory(turns, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Content)
	assert.Empty(t, memory.TrimHistory(nil, 5))

	long := []memory.DialogTurn{{Content: "aaaaaaaa"}, {Content: "bbbb"}, {Content: "cccc"}}
	got = memory.TrimHistoryTokens(long, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "bbbb", got[0].Content)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, memory.EstimateTokens("abcd"))
	assert.Equal(t, 2, memory.EstimateTokens("你好"))
	assert.Equal(t, 0, memory.EstimateTokens(""))
	assert.Equal(t, 3, memory.EstimateTurnTokens([]memory.DialogTurn{{Content: "abcd"}, {Content: "你好"}}))
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, memory.Terms("Hello, world! 42 hello"))
	assert.Equal(t, []string{"我", "喜", "欢", "go"}, memory.Terms("我喜欢Go"))
	assert.Empty(t, memory.Terms("  ...  "))
}
