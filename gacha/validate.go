package gacha

import "sort"

// Miss is a pity position whose draw lacked the guaranteed rarity.
type Miss struct {
	Seq    int  `json:"seq" yaml:"seq"`
	Rule   Rule `json:"rule" yaml:"rule"`
	Rarity int  `json:"rarity" yaml:"rarity"`
}

// ValidateDraws checks a player's draw history against rules: every draw
// whose sequence number is a multiple of a rule's count must reach the rule's
// rarity. Records are ordered by Seq; missing positions count as misses with
// rarity 0.
func ValidateDraws(records []DrawRecord, cfg RuleConfig) []Miss {
	if !cfg.Enabled || len(records) == 0 {
		return nil
	}
	bySeq := make(map[int]DrawRecord, len(records))
	maxSeq := 0
	for _, r := range records {
		bySeq[r.Seq] = r
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}

	var misses []Miss
	for _, rule := range cfg.Rules {
		if rule.Count <= 0 {
			continue
		}
		for seq := rule.Count; seq <= maxSeq; seq += rule.Count {
			r, ok := bySeq[seq]
			if ok && r.Rarity >= rule.GuaranteeRarity {
				continue
			}
			misses = append(misses, Miss{Seq: seq, Rule: rule, Rarity: r.Rarity})
		}
	}
	sort.SliceStable(misses, func(i, j int) bool { return misses[i].Seq < misses[j].Seq })
	return misses
}
