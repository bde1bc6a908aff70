package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/creastat/memory/dialog"
	"github.com/creastat/memory/manager"
)

type tenantPending struct {
	UserID    string `json:"user_id" yaml:"user_id"`
	RoleID    string `json:"role_id" yaml:"role_id"`
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Pending   int64  `json:"pending" yaml:"pending"`
}

type statusResult struct {
	manager.QueueStatus `yaml:",inline"`
	Tenants             []tenantPending `json:"tenants" yaml:"tenants"`
}

func (s statusResult) title() string {
	return "memory pipeline: " + s.Level + " tier (" + s.Backend + "), batch " + strconv.Itoa(s.BatchSize)
}

func (s statusResult) headers() []string {
	return []string{"USER", "ROLE", "SESSION", "PENDING"}
}

func (s statusResult) rows() [][]string {
	rows := make([][]string, 0, len(s.Tenants))
	for _, t := range s.Tenants {
		session := t.SessionID
		if session == "" {
			session = dimStyle.Render("all")
		}
		rows = append(rows, []string{t.UserID, t.RoleID, session, strconv.FormatInt(t.Pending, 10)})
	}
	return rows
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tier, queue and buffered tenants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.close(ctx)

		res := statusResult{QueueStatus: p.mgr.QueueStatus(ctx)}
		tenants, err := dialog.ScanTenants(ctx, p.rdb, dialog.WithLogger(log))
		if err != nil {
			return err
		}
		for _, t := range tenants {
			n, err := p.mgr.Coordinator().Pending(ctx, t)
			if err != nil {
				log.WithError(err).WithField("tenant", t.String()).Warn("pending count")
				continue
			}
			res.Tenants = append(res.Tenants, tenantPending{
				UserID:    t.UserID,
				RoleID:    t.RoleID,
				SessionID: t.SessionID,
				Pending:   n,
			})
		}
		if res.Error != "" && outputFormat == formatTable {
			cmd.PrintErrln(warnStyle.Render("queue: " + res.Error))
		}
		return render(cmd.OutOrStdout(), outputFormat, res)
	},
}
