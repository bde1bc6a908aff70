// Package gacha implements the blind-box draw engine: weighted sampling over
// the available cards, multi-tier pity rules and limited stock shared by all
// players through Redis.
package gacha

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Errors returned by the engine and the machine.
var (
	ErrNoCards       = errors.New("gacha: no cards available")
	ErrInvalidRule   = errors.New("gacha: invalid rule")
	ErrSoldOut       = errors.New("gacha: card sold out")
	ErrStockUnknown  = errors.New("gacha: card has no stock entry")
	ErrTooManyTrials = errors.New("gacha: limited cards sold out during draw")
)

// Card is one entry of a blind box.
type Card struct {
	ID           string  `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	Rarity       int     `json:"rarity" yaml:"rarity"`
	Weight       float64 `json:"weight" yaml:"weight"`
	Limited      bool    `json:"limited" yaml:"limited"`
	LimitedCount int     `json:"limited_count,omitempty" yaml:"limited_count,omitempty"`
}

// Rule guarantees at least one card of GuaranteeRarity or above every Count
// draws.
type Rule struct {
	Count           int    `json:"count" yaml:"count"`
	GuaranteeRarity int    `json:"guarantee_rarity" yaml:"guarantee_rarity"`
	Description     string `json:"description,omitempty" yaml:"description,omitempty"`
}

// WeightCalculation scales base weights by rarity.
type WeightCalculation struct {
	RarityMultiplier map[int]float64 `json:"rarity_multiplier" yaml:"rarity_multiplier"`
}

// RuleConfig is the per-box rule set.
type RuleConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	Rules             []Rule            `json:"rules" yaml:"rules"`
	WeightCalculation WeightCalculation `json:"weight_calculation" yaml:"weight_calculation"`
}

// Multiplier returns the multiplier of rarity, 1.0 when unset.
func (c RuleConfig) Multiplier(rarity int) float64 {
	if m, ok := c.WeightCalculation.RarityMultiplier[rarity]; ok {
		return m
	}
	return 1.0
}

// Validate checks intervals, rarities and multipliers.
func (c RuleConfig) Validate() error {
	for i, r := range c.Rules {
		if r.Count <= 0 {
			return fmt.Errorf("%w: rule %d count %d", ErrInvalidRule, i, r.Count)
		}
		if r.GuaranteeRarity <= 0 {
			return fmt.Errorf("%w: rule %d guarantee_rarity %d", ErrInvalidRule, i, r.GuaranteeRarity)
		}
	}
	for rarity, m := range c.WeightCalculation.RarityMultiplier {
		if m < 0 {
			return fmt.Errorf("%w: negative multiplier for rarity %d", ErrInvalidRule, rarity)
		}
	}
	return nil
}

// ordered returns the rules sorted by guaranteed rarity, highest first.
func (c RuleConfig) ordered() []Rule {
	rules := make([]Rule, len(c.Rules))
	copy(rules, c.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].GuaranteeRarity > rules[j].GuaranteeRarity
	})
	return rules
}

// LoadRuleConfig parses a rule config from JSON or YAML.
func LoadRuleConfig(data []byte) (RuleConfig, error) {
	var cfg RuleConfig
	if json.Valid(data) {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return RuleConfig{}, fmt.Errorf("gacha: parse JSON rules: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RuleConfig{}, fmt.Errorf("gacha: parse YAML rules: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RuleConfig{}, err
	}
	return cfg, nil
}

// BoxFile is the on-disk form of a blind box: its rules and cards.
type BoxFile struct {
	ID    string     `json:"id" yaml:"id"`
	Rules RuleConfig `json:"rules" yaml:"rules"`
	Cards []Card     `json:"cards" yaml:"cards"`
}

// LoadBoxFile reads a blind box definition from a .json, .yaml or .yml file.
func LoadBoxFile(path string) (BoxFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BoxFile{}, fmt.Errorf("gacha: read %s: %w", path, err)
	}
	var box BoxFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &box)
	default:
		err = yaml.Unmarshal(data, &box)
	}
	if err != nil {
		return BoxFile{}, fmt.Errorf("gacha: parse %s: %w", path, err)
	}
	if err := box.Rules.Validate(); err != nil {
		return BoxFile{}, err
	}
	if len(box.Cards) == 0 {
		return BoxFile{}, fmt.Errorf("%w: %s", ErrNoCards, path)
	}
	return box, nil
}
