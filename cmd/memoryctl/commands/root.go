package commands

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/creastat/memory/config"
	"github.com/creastat/memory/logging"
)

var (
	// Global flags
	cfgFile      string
	envFiles     []string
	outputFormat string
	logLevel     string

	// Loaded by the root pre-run hook
	globalConfig *config.Config
	log          *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "memoryctl",
	Short: "Operate the memory pipeline",
	Long: `memoryctl inspects and drives the Redis-backed memory pipeline.

Examples:
  # Show the active tier, batch size and buffered tenants
  memoryctl status -o table

  # Force processing of everything still buffered
  memoryctl flush

  # Import unsynced conversations of one tenant
  memoryctl sync --user u1 --role r1

  # Drain the ingest queue until interrupted
  memoryctl worker

  # Simulate 1000 draws from a blind box
  memoryctl gacha simulate --box box.yaml --draws 1000 --seed 7
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFiles(envFiles...); err != nil {
			return err
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		globalConfig = cfg
		log = logging.NewWithOutput(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files to load before reading config")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatYAML, "output format: yaml, json or table")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(gachaCmd)
}

func openRedis(cmd *cobra.Command) (*redis.Client, error) {
	rc := globalConfig.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := rdb.Ping(cmd.Context()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	return rdb, nil
}
