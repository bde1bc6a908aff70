package backend

import (
	"math"
	"strings"
	"unicode/utf8"
)

// QuerySignal is the input of tier selection.
type QuerySignal struct {
	QueryLength int
	KeywordHits int
	// Hint is the caller's complexity estimate in [0, 1].
	Hint float64
}

// complexKeywords mark queries that need relational or long-range recall.
var complexKeywords = []string{
	"关系", "之前", "上次", "以前", "记得", "为什么", "谁", "喜欢", "讨厌", "经历",
	"relationship", "remember", "before", "last time", "why", "who", "history", "prefer",
}

// CountKeywordHits counts complexity keywords in query.
func CountKeywordHits(query string) int {
	q := strings.ToLower(query)
	hits := 0
	for _, kw := range complexKeywords {
		if strings.Contains(q, kw) {
			hits++
		}
	}
	return hits
}

// Signal derives a QuerySignal from raw text plus a caller hint.
func Signal(query string, hint float64) QuerySignal {
	return QuerySignal{
		QueryLength: utf8.RuneCountInString(query),
		KeywordHits: CountKeywordHits(query),
		Hint:        hint,
	}
}

// Score maps a signal to [0, 1].
func Score(s QuerySignal) float64 {
	length := math.Min(float64(s.QueryLength)/100, 1)
	keywords := math.Min(float64(s.KeywordHits)/3, 1)
	hint := math.Max(0, math.Min(s.Hint, 1))
	return 0.4*length + 0.4*keywords + 0.2*hint
}

// SelectLevel picks one of levels for a query. An override that is present in
// levels wins. levels must be sorted ascending; an empty slice yields
// LevelBasic and false.
func SelectLevel(levels []Level, s QuerySignal, override *Level) (Level, bool) {
	if len(levels) == 0 {
		return LevelBasic, false
	}
	if override != nil {
		for _, l := range levels {
			if l == *override {
				return l, true
			}
		}
	}
	idx := int(Score(s) * float64(len(levels)))
	if idx >= len(levels) {
		idx = len(levels) - 1
	}
	return levels[idx], true
}
