package gacha_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory/gacha"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

var pityRules = gacha.RuleConfig{
	Enabled: true,
	Rules: []gacha.Rule{
		{Count: 10, GuaranteeRarity: 2, Description: "R every 10"},
		{Count: 50, GuaranteeRarity: 3, Description: "SR every 50"},
	},
}

var pool = []gacha.Card{
	{ID: "c1", Rarity: 1, Weight: 1},
	{ID: "c2", Rarity: 1, Weight: 1},
	{ID: "c3", Rarity: 1, Weight: 1},
	{ID: "r1", Rarity: 2, Weight: 1},
	{ID: "s1", Rarity: 3, Weight: 1},
}

func TestPityOverHundredDraws(t *testing.T) {
	ctx := context.Background()
	m := gacha.NewMachine(newRedis(t), gacha.NewEngine(42), pityRules)

	var records []gacha.DrawRecord
	for i := 0; i < 100; i++ {
		rec, err := m.Draw(ctx, "u1", "box", pool)
		require.NoError(t, err)
		records = append(records, rec)
	}

	atLeast2, atLeast3 := 0, 0
	for _, r := range records {
		if r.Rarity >= 2 {
			atLeast2++
		}
		if r.Rarity >= 3 {
			atLeast3++
		}
	}
	assert.GreaterOrEqual(t, atLeast2, 10)
	assert.GreaterOrEqual(t, atLeast3, 2)

	for seq := 10; seq <= 100; seq += 10 {
		r := records[seq-1]
		assert.Equal(t, seq, r.Seq)
		assert.GreaterOrEqual(t, r.Rarity, 2, "draw %d", seq)
		assert.True(t, r.IsGuaranteed, "draw %d", seq)
	}
	assert.GreaterOrEqual(t, records[49].Rarity, 3)
	assert.GreaterOrEqual(t, records[99].Rarity, 3)

	stored, err := m.Draws().List(ctx, "u1", "box")
	require.NoError(t, err)
	assert.Len(t, stored, 100)
	assert.Empty(t, gacha.ValidateDraws(stored, pityRules))
}

func TestWeightProportionality(t *testing.T) {
	e := gacha.NewEngine(7)
	cards := []gacha.Card{
		{ID: "a", Rarity: 1, Weight: 1},
		{ID: "b", Rarity: 1, Weight: 3},
	}
	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		c, guaranteed, err := e.Pick(cards, gacha.RuleConfig{}, nil, i)
		require.NoError(t, err)
		assert.False(t, guaranteed)
		counts[c.ID]++
	}
	assert.InDelta(t, 0.25, float64(counts["a"])/n, 0.02)
	assert.InDelta(t, 0.75, float64(counts["b"])/n, 0.02)
}

func TestRarityMultiplier(t *testing.T) {
	e := gacha.NewEngine(11)
	cards := []gacha.Card{
		{ID: "common", Rarity: 1, Weight: 1},
		{ID: "rare", Rarity: 2, Weight: 1},
	}
	cfg := gacha.RuleConfig{WeightCalculation: gacha.WeightCalculation{
		RarityMultiplier: map[int]float64{2: 4},
	}}
	const n = 10000
	rare := 0
	for i := 0; i < n; i++ {
		c, _, err := e.Pick(cards, cfg, nil, i)
		require.NoError(t, err)
		if c.ID == "rare" {
			rare++
		}
	}
	assert.InDelta(t, 0.8, float64(rare)/n, 0.02)
	assert.Equal(t, 1.0, cfg.Multiplier(1))
}

func TestPickEdgeCases(t *testing.T) {
	e := gacha.NewEngine(1)
	commons := []gacha.Card{{ID: "a", Rarity: 1, Weight: 1}, {ID: "b", Rarity: 1, Weight: 1}}

	t.Run("guarantee falls back when no card qualifies", func(t *testing.T) {
		cfg := gacha.RuleConfig{Enabled: true, Rules: []gacha.Rule{{Count: 1, GuaranteeRarity: 5}}}
		c, guaranteed, err := e.Pick(commons, cfg, nil, 0)
		require.NoError(t, err)
		assert.False(t, guaranteed)
		assert.Equal(t, 1, c.Rarity)
	})

	t.Run("sold out cards are excluded", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			c, _, err := e.Pick(commons, gacha.RuleConfig{}, map[string]struct{}{"a": {}}, i)
			require.NoError(t, err)
			assert.Equal(t, "b", c.ID)
		}
	})

	t.Run("nothing available", func(t *testing.T) {
		_, _, err := e.Pick(commons, gacha.RuleConfig{}, map[string]struct{}{"a": {}, "b": {}}, 0)
		assert.ErrorIs(t, err, gacha.ErrNoCards)
	})

	t.Run("zero weights draw uniformly", func(t *testing.T) {
		zero := []gacha.Card{{ID: "a", Rarity: 1}, {ID: "b", Rarity: 1}}
		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			c, _, err := e.Pick(zero, gacha.RuleConfig{}, nil, i)
			require.NoError(t, err)
			seen[c.ID] = true
		}
		assert.Len(t, seen, 2)
	})

	t.Run("disabled rules never guarantee", func(t *testing.T) {
		cfg := pityRules
		cfg.Enabled = false
		_, ok := gacha.GuaranteeFor(cfg, 9)
		assert.False(t, ok)
	})

	t.Run("highest rarity rule wins", func(t *testing.T) {
		r, ok := gacha.GuaranteeFor(pityRules, 49)
		require.True(t, ok)
		assert.Equal(t, 3, r.GuaranteeRarity)
		r, ok = gacha.GuaranteeFor(pityRules, 19)
		require.True(t, ok)
		assert.Equal(t, 2, r.GuaranteeRarity)
		_, ok = gacha.GuaranteeFor(pityRules, 20)
		assert.False(t, ok)
	})
}

func TestLimitedStockAcrossPlayers(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	cards := []gacha.Card{
		{ID: "limited", Rarity: 3, Weight: 1000, Limited: true, LimitedCount: 5},
		{ID: "common", Rarity: 1, Weight: 1},
	}
	m := gacha.NewMachine(rdb, gacha.NewEngine(3), gacha.RuleConfig{})

	var (
		mu      sync.Mutex
		limited int
		wg      sync.WaitGroup
	)
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				rec, err := m.Draw(ctx, user, "box", cards)
				if !assert.NoError(t, err) {
					return
				}
				if rec.CardID == "limited" {
					mu.Lock()
					limited++
					mu.Unlock()
				}
			}
		}(fmt.Sprintf("user-%d", p))
	}
	wg.Wait()

	left, err := m.Stock().Remaining(ctx, "box", "limited")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, left, int64(0))
	assert.LessOrEqual(t, limited, 5)
	assert.Equal(t, 5-int(left), limited)

	if left == 0 {
		out, err := m.Stock().SoldOut(ctx, "box")
		require.NoError(t, err)
		assert.Contains(t, out, "limited")
	}
}

func TestStockLedger(t *testing.T) {
	ctx := context.Background()
	l := gacha.NewStockLedger(newRedis(t))

	_, err := l.Take(ctx, "box", "x")
	assert.ErrorIs(t, err, gacha.ErrStockUnknown)

	require.NoError(t, l.SetStock(ctx, "box", "x", 1))
	left, err := l.Take(ctx, "box", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), left)

	_, err = l.Take(ctx, "box", "x")
	assert.ErrorIs(t, err, gacha.ErrSoldOut)

	require.NoError(t, l.Ensure(ctx, "box", []gacha.Card{{ID: "x", Limited: true, LimitedCount: 9}}))
	left, err = l.Remaining(ctx, "box", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), left, "ensure must not reset an existing count")

	require.NoError(t, l.SetStock(ctx, "box", "x", 2))
	out, err := l.SoldOut(ctx, "box")
	require.NoError(t, err)
	assert.NotContains(t, out, "x")
}

func TestValidateDrawsReportsMisses(t *testing.T) {
	var records []gacha.DrawRecord
	for seq := 1; seq <= 20; seq++ {
		rarity := 1
		if seq == 20 {
			rarity = 2
		}
		records = append(records, gacha.DrawRecord{Seq: seq, Rarity: rarity})
	}
	misses := gacha.ValidateDraws(records, pityRules)
	require.Len(t, misses, 1)
	assert.Equal(t, 10, misses[0].Seq)
	assert.Equal(t, 2, misses[0].Rule.GuaranteeRarity)

	assert.Nil(t, gacha.ValidateDraws(records, gacha.RuleConfig{Rules: pityRules.Rules}))
}

func TestLoadRuleConfig(t *testing.T) {
	yamlDoc := []byte(`
enabled: true
rules:
  - count: 10
    guarantee_rarity: 2
    description: R every 10
weight_calculation:
  rarity_multiplier:
    3: 2.5
`)
	cfg, err := gacha.LoadRuleConfig(yamlDoc)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, 10, cfg.Rules[0].Count)
	assert.Equal(t, 2.5, cfg.Multiplier(3))

	jsonDoc := []byte(`{"enabled":true,"rules":[{"count":50,"guarantee_rarity":3}],"weight_calculation":{"rarity_multiplier":{"2":1.5}}}`)
	cfg, err = gacha.LoadRuleConfig(jsonDoc)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Rules[0].Count)
	assert.Equal(t, 1.5, cfg.Multiplier(2))

	_, err = gacha.LoadRuleConfig([]byte(`{"enabled":true,"rules":[{"count":0,"guarantee_rarity":3}]}`))
	assert.ErrorIs(t, err, gacha.ErrInvalidRule)
}

func TestLoadBoxFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "box.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: spring
rules:
  enabled: true
  rules:
    - count: 10
      guarantee_rarity: 2
cards:
  - id: c1
    rarity: 1
    weight: 5
  - id: r1
    rarity: 2
    weight: 1
    limited: true
    limited_count: 3
`), 0o600))

	box, err := gacha.LoadBoxFile(path)
	require.NoError(t, err)
	assert.Equal(t, "spring", box.ID)
	require.Len(t, box.Cards, 2)
	assert.True(t, box.Cards[1].Limited)
	assert.Equal(t, 3, box.Cards[1].LimitedCount)

	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"id":"x","cards":[]}`), 0o600))
	_, err = gacha.LoadBoxFile(empty)
	assert.ErrorIs(t, err, gacha.ErrNoCards)
}
