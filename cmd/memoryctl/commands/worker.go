package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var workerGrace time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the ingest queue until interrupted",
	Long: `Run the ingest queue consumer and its maintenance job. Queued turns are
handed to the coordinator, which batches them per tenant.

On SIGINT or SIGTERM the worker stops consuming and waits up to --grace for
running processors before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		globalConfig.Queue.Enabled = true
		p, err := openPipeline(cmd)
		if err != nil {
			return err
		}
		if err := p.mgr.StartQueueConsumer(ctx); err != nil {
			p.rdb.Close()
			return err
		}
		log.WithField("queue", globalConfig.Queue.Name).Info("worker started")

		<-ctx.Done()
		log.Info("worker stopping")
		sctx, cancel := context.WithTimeout(context.Background(), workerGrace)
		defer cancel()
		p.close(sctx)
		return nil
	},
}

func init() {
	workerCmd.Flags().DurationVar(&workerGrace, "grace", 30*time.Second, "shutdown grace period")
}
