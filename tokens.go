package memory

import (
	"strings"
	"unicode"
)

// EstimateTokens approximates the token count of text.
// ASCII runes weigh a quarter token each; anything else (CJK, Cyrillic,
// emoji) counts as a full token, which matches how card names and chat in
// Chinese tokenize in practice.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// EstimateTurnTokens sums EstimateTokens over a batch of turns.
func EstimateTurnTokens(turns []DialogTurn) int {
	n := 0
	for _, t := range turns {
		n += EstimateTokens(t.Content)
	}
	return n
}

// Terms splits text into lowercase index terms. Latin words are split on
// anything that is not a letter or digit; each Han character is its own term.
// Duplicates are removed, first occurrence wins.
func Terms(text string) []string {
	var (
		out  []string
		seen = make(map[string]struct{})
		word []rune
	)
	emit := func(t string) {
		if _, ok := seen[t]; ok || t == "" {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	flush := func() {
		emit(string(word))
		word = word[:0]
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			emit(string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return out
}
