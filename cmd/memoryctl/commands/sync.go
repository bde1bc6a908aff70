package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/creastat/memory/backend"
)

var (
	syncTenant tenantFlags
	syncSince  string
	syncUntil  string
	syncLevel  int
)

type syncResult struct {
	backend.SyncStatus `yaml:",inline"`

	Tenant string `json:"tenant" yaml:"tenant"`
}

func (r syncResult) title() string { return "sync " + r.Tenant }

func (r syncResult) headers() []string {
	return []string{"STORED", "TOTAL", "PROGRESS", "LAST SYNC", "ERROR"}
}

func (r syncResult) rows() [][]string {
	last := "-"
	if r.LastSyncTime != nil {
		last = r.LastSyncTime.Format(time.RFC3339)
	}
	errText := r.Error
	if errText != "" {
		errText = warnStyle.Render(errText)
	}
	return [][]string{{
		strconv.Itoa(r.Stored),
		strconv.Itoa(r.Total),
		strconv.FormatFloat(r.Progress*100, 'f', 1, 64) + "%",
		last,
		errText,
	}}
}

func parseTime(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &t, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import unsynced conversations of a tenant",
	Long: `Import the tenant's unsynced rows from the conversations table into the
active memory tier and mark them synced.

Example:
  memoryctl sync --user u1 --role r1 --since 2025-01-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tenant, err := syncTenant.key()
		if err != nil {
			return err
		}
		since, err := parseTime("since", syncSince)
		if err != nil {
			return err
		}
		until, err := parseTime("until", syncUntil)
		if err != nil {
			return err
		}

		p, err := openPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		if cmd.Flags().Changed("level") && !p.mgr.SetMemoryLevel(ctx, backend.Level(syncLevel)) {
			return fmt.Errorf("failed to switch to level %d", syncLevel)
		}
		if !p.mgr.EnableMemory(ctx, tenant, false) {
			return fmt.Errorf("failed to enable memory for %s", tenant)
		}
		if err := p.mgr.Sync(ctx, tenant, since, until); err != nil {
			log.WithError(err).Error("sync failed")
		}
		return render(cmd.OutOrStdout(), outputFormat, syncResult{
			Tenant:     tenant.String(),
			SyncStatus: p.mgr.SyncStatus(tenant),
		})
	},
}

func init() {
	syncTenant.register(syncCmd)
	syncCmd.Flags().StringVar(&syncSince, "since", "", "only rows created at or after this RFC3339 time")
	syncCmd.Flags().StringVar(&syncUntil, "until", "", "only rows created at or before this RFC3339 time")
	syncCmd.Flags().IntVar(&syncLevel, "level", 0, "memory tier to sync into (default: configured tier)")
}
