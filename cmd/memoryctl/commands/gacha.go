package commands

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/creastat/memory/gacha"
)

var (
	gachaBoxFile string
	gachaSeed    uint64
	gachaDraws   int
	gachaCount   int
	gachaUser    string
)

var gachaCmd = &cobra.Command{
	Use:   "gacha",
	Short: "Simulate, perform and audit blind-box draws",
}

// loadBox reads the box file and applies gacha.rules_file when configured.
func loadBox() (gacha.BoxFile, error) {
	if gachaBoxFile == "" {
		return gacha.BoxFile{}, fmt.Errorf("--box is required")
	}
	box, err := gacha.LoadBoxFile(gachaBoxFile)
	if err != nil {
		return gacha.BoxFile{}, err
	}
	if path := globalConfig.Gacha.RulesFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return gacha.BoxFile{}, fmt.Errorf("failed to read rules file: %w", err)
		}
		if box.Rules, err = gacha.LoadRuleConfig(data); err != nil {
			return gacha.BoxFile{}, err
		}
	}
	if box.ID == "" {
		box.ID = "default"
	}
	return box, nil
}

func engineSeed(cmd *cobra.Command) uint64 {
	if cmd.Flags().Changed("seed") {
		return gachaSeed
	}
	if globalConfig.Gacha.Seed != 0 {
		return globalConfig.Gacha.Seed
	}
	return uint64(time.Now().UnixNano())
}

type cardCount struct {
	CardID string `json:"card_id" yaml:"card_id"`
	Rarity int    `json:"rarity" yaml:"rarity"`
	Count  int    `json:"count" yaml:"count"`
}

type simulation struct {
	Box        string       `json:"box" yaml:"box"`
	Seed       uint64       `json:"seed" yaml:"seed"`
	Draws      int          `json:"draws" yaml:"draws"`
	Guaranteed int          `json:"guaranteed" yaml:"guaranteed"`
	ByRarity   map[int]int  `json:"by_rarity" yaml:"by_rarity"`
	Cards      []cardCount  `json:"cards" yaml:"cards"`
	Misses     []gacha.Miss `json:"misses,omitempty" yaml:"misses,omitempty"`
}

func (s simulation) title() string {
	return fmt.Sprintf("%s: %d draws, seed %d, %d guaranteed, %d pity misses",
		s.Box, s.Draws, s.Seed, s.Guaranteed, len(s.Misses))
}

func (s simulation) headers() []string { return []string{"CARD", "RARITY", "COUNT", "SHARE"} }

func (s simulation) rows() [][]string {
	rows := make([][]string, 0, len(s.Cards))
	for _, c := range s.Cards {
		share := 0.0
		if s.Draws > 0 {
			share = float64(c.Count) / float64(s.Draws) * 100
		}
		rows = append(rows, []string{
			c.CardID,
			strconv.Itoa(c.Rarity),
			strconv.Itoa(c.Count),
			strconv.FormatFloat(share, 'f', 2, 64) + "%",
		})
	}
	return rows
}

// simulate draws n cards for one player without Redis. Limited stock is
// tracked locally.
func simulate(box gacha.BoxFile, seed uint64, n int) (simulation, error) {
	engine := gacha.NewEngine(seed)
	soldOut := make(map[string]struct{})
	left := make(map[string]int)
	for _, c := range box.Cards {
		if c.Limited {
			left[c.ID] = c.LimitedCount
			if c.LimitedCount <= 0 {
				soldOut[c.ID] = struct{}{}
			}
		}
	}

	sim := simulation{Box: box.ID, Seed: seed, ByRarity: make(map[int]int)}
	counts := make(map[string]*cardCount)
	records := make([]gacha.DrawRecord, 0, n)
	for i := 0; i < n; i++ {
		card, guaranteed, err := engine.Pick(box.Cards, box.Rules, soldOut, i)
		if err != nil {
			return sim, fmt.Errorf("draw %d: %w", i+1, err)
		}
		if card.Limited {
			left[card.ID]--
			if left[card.ID] <= 0 {
				soldOut[card.ID] = struct{}{}
			}
		}
		if guaranteed {
			sim.Guaranteed++
		}
		sim.ByRarity[card.Rarity]++
		cc, ok := counts[card.ID]
		if !ok {
			cc = &cardCount{CardID: card.ID, Rarity: card.Rarity}
			counts[card.ID] = cc
		}
		cc.Count++
		records = append(records, gacha.DrawRecord{CardID: card.ID, Rarity: card.Rarity, IsGuaranteed: guaranteed, Seq: i + 1})
	}
	sim.Draws = n
	for _, cc := range counts {
		sim.Cards = append(sim.Cards, *cc)
	}
	sort.Slice(sim.Cards, func(i, j int) bool {
		if sim.Cards[i].Rarity != sim.Cards[j].Rarity {
			return sim.Cards[i].Rarity > sim.Cards[j].Rarity
		}
		return sim.Cards[i].CardID < sim.Cards[j].CardID
	})
	sim.Misses = gacha.ValidateDraws(records, box.Rules)
	return sim, nil
}

var gachaSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate draws offline and report the distribution",
	Long: `Simulate draws for a single player from a blind box file and report
per-card counts, guaranteed draws and pity misses. Nothing is written to Redis.

Example:
  memoryctl gacha simulate --box box.yaml --draws 1000 --seed 7 -o table`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := loadBox()
		if err != nil {
			return err
		}
		sim, err := simulate(box, engineSeed(cmd), gachaDraws)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, sim)
	},
}

type drawList []gacha.DrawRecord

func (d drawList) title() string { return "draws" }

func (d drawList) headers() []string { return []string{"SEQ", "CARD", "RARITY", "GUARANTEED"} }

func (d drawList) rows() [][]string {
	rows := make([][]string, 0, len(d))
	for _, r := range d {
		g := ""
		if r.IsGuaranteed {
			g = titleStyle.Render("yes")
		}
		rows = append(rows, []string{strconv.Itoa(r.Seq), r.CardID, strconv.Itoa(r.Rarity), g})
	}
	return rows
}

var gachaDrawCmd = &cobra.Command{
	Use:   "draw",
	Short: "Draw for a player against Redis stock and draw history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if gachaUser == "" {
			return fmt.Errorf("--user is required")
		}
		box, err := loadBox()
		if err != nil {
			return err
		}
		rdb, err := openRedis(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		m := gacha.NewMachine(rdb, gacha.NewEngine(engineSeed(cmd)), box.Rules, gacha.WithMachineLogger(log))
		out := make(drawList, 0, gachaCount)
		for i := 0; i < gachaCount; i++ {
			rec, err := m.Draw(ctx, gachaUser, box.ID, box.Cards)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return render(cmd.OutOrStdout(), outputFormat, out)
	},
}

type audit struct {
	User   string       `json:"user_id" yaml:"user_id"`
	Box    string       `json:"blind_box_id" yaml:"blind_box_id"`
	Draws  int          `json:"draws" yaml:"draws"`
	Misses []gacha.Miss `json:"misses" yaml:"misses"`
}

func (a audit) title() string {
	return fmt.Sprintf("%s / %s: %d draws, %d pity misses", a.User, a.Box, a.Draws, len(a.Misses))
}

func (a audit) headers() []string { return []string{"SEQ", "RARITY", "REQUIRED", "RULE"} }

func (a audit) rows() [][]string {
	rows := make([][]string, 0, len(a.Misses))
	for _, m := range a.Misses {
		rows = append(rows, []string{
			strconv.Itoa(m.Seq),
			strconv.Itoa(m.Rarity),
			strconv.Itoa(m.Rule.GuaranteeRarity),
			m.Rule.Description,
		})
	}
	return rows
}

var gachaValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a player's draw history against the pity rules",
	Long: `Check that every draw at a multiple of a rule's count reached the
rule's rarity. Exits non-zero when a miss is found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if gachaUser == "" {
			return fmt.Errorf("--user is required")
		}
		box, err := loadBox()
		if err != nil {
			return err
		}
		rdb, err := openRedis(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		records, err := gacha.NewDrawLog(rdb, log).List(ctx, gachaUser, box.ID)
		if err != nil {
			return err
		}
		res := audit{User: gachaUser, Box: box.ID, Draws: len(records), Misses: gacha.ValidateDraws(records, box.Rules)}
		if err := render(cmd.OutOrStdout(), outputFormat, res); err != nil {
			return err
		}
		if len(res.Misses) > 0 {
			return fmt.Errorf("%d pity misses", len(res.Misses))
		}
		return nil
	},
}

func init() {
	gachaCmd.PersistentFlags().StringVar(&gachaBoxFile, "box", "", "blind box file (YAML or JSON)")
	gachaCmd.PersistentFlags().Uint64Var(&gachaSeed, "seed", 0, "RNG seed (default: gacha.seed or the clock)")
	gachaCmd.PersistentFlags().StringVar(&gachaUser, "user", "", "player id")

	gachaSimulateCmd.Flags().IntVar(&gachaDraws, "draws", 100, "number of draws")
	gachaDrawCmd.Flags().IntVar(&gachaCount, "count", 1, "number of draws")

	gachaCmd.AddCommand(gachaSimulateCmd)
	gachaCmd.AddCommand(gachaDrawCmd)
	gachaCmd.AddCommand(gachaValidateCmd)
}
