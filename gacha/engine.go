package gacha

import (
	"math/rand/v2"
	"sync"
)

// Engine samples cards. It is safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates an engine with a seeded generator so draws can be
// replayed in tests and simulations.
func NewEngine(seed uint64) *Engine {
	return &Engine{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// GuaranteeFor returns the rule that fires on the draw following totalDraws,
// checking rules from the highest rarity down.
func GuaranteeFor(cfg RuleConfig, totalDraws int) (Rule, bool) {
	if !cfg.Enabled {
		return Rule{}, false
	}
	for _, r := range cfg.ordered() {
		if r.Count > 0 && (totalDraws+1)%r.Count == 0 {
			return r, true
		}
	}
	return Rule{}, false
}

// Pick draws one card. Sold-out cards are excluded; when a pity rule fires the
// candidates are restricted to its rarity and above, falling back to every
// available card (and reporting no guarantee) when none qualifies.
func (e *Engine) Pick(cards []Card, cfg RuleConfig, soldOut map[string]struct{}, totalDraws int) (Card, bool, error) {
	available := make([]Card, 0, len(cards))
	for _, c := range cards {
		if _, out := soldOut[c.ID]; out {
			continue
		}
		available = append(available, c)
	}
	if len(available) == 0 {
		return Card{}, false, ErrNoCards
	}

	candidates := available
	rule, guaranteed := GuaranteeFor(cfg, totalDraws)
	if guaranteed {
		var eligible []Card
		for _, c := range available {
			if c.Rarity >= rule.GuaranteeRarity {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) > 0 {
			candidates = eligible
		} else {
			guaranteed = false
		}
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := c.Weight * cfg.Multiplier(c.Rarity)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if total <= 0 {
		return candidates[e.rng.IntN(len(candidates))], guaranteed, nil
	}
	x := e.rng.Float64() * total
	for i, w := range weights {
		if x < w {
			return candidates[i], guaranteed, nil
		}
		x -= w
	}
	// Floating point leftovers land on the last weighted card.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return candidates[i], guaranteed, nil
		}
	}
	return candidates[len(candidates)-1], guaranteed, nil
}
