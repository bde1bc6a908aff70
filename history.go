package memory

// TrimHistory keeps the most recent limit turns, preserving ascending order.
// The input is assumed to be sorted oldest first.
func TrimHistory(history []DialogTurn, limit int) []DialogTurn {
	if len(history) == 0 || limit <= 0 {
		return []DialogTurn{}
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]DialogTurn, len(history))
	copy(out, history)
	return out
}

// TrimHistoryTokens drops the oldest turns until the estimated token total
// fits within tokenLimit.
func TrimHistoryTokens(history []DialogTurn, tokenLimit int) []DialogTurn {
	total := 0
	for _, t := range history {
		total += EstimateTokens(t.Content)
	}
	for total > tokenLimit && len(history) > 0 {
		total -= EstimateTokens(history[0].Content)
		history = history[1:]
	}
	return history
}
