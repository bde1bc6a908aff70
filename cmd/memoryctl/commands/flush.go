package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/creastat/memory"
)

var flushTenant tenantFlags

type flushResult struct {
	Scheduled int `json:"scheduled" yaml:"scheduled"`
}

func (flushResult) title() string      { return "flush" }
func (flushResult) headers() []string  { return []string{"SCHEDULED"} }
func (r flushResult) rows() [][]string { return [][]string{{strconv.Itoa(r.Scheduled)}} }

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Process buffered dialog now",
	Long: `Process buffered dialog regardless of the batch threshold.

Without tenant flags every tenant with buffered dialog is flushed. The
command waits for the scheduled processors before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var tenant *memory.TenantKey
		if flushTenant.set() {
			k, err := flushTenant.key()
			if err != nil {
				return err
			}
			tenant = &k
		}

		p, err := openPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		n := p.mgr.ForcePendingDialogs(ctx, tenant)
		if err := p.mgr.Coordinator().Wait(ctx); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, flushResult{Scheduled: n})
	},
}

func init() {
	flushTenant.register(flushCmd)
}
