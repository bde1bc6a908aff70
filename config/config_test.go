package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/config"
	"github.com/creastat/memory/coordinator"
	"github.com/creastat/memory/metadata"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, backend.LevelBasic, cfg.Memory.DefaultLevel)
	assert.Equal(t, coordinator.InheritBatchSize, cfg.Memory.Coordinator.BatchSize)
	assert.Equal(t, 10, cfg.Memory.Coordinator.MaxHistorySize)
	assert.True(t, cfg.Memory.Coordinator.AutoSummarize)
	assert.True(t, cfg.Memory.Coordinator.UseWaitQueue)
	assert.Equal(t, 60*time.Second, cfg.Memory.Coordinator.ProcessingLockTTL)
	assert.Equal(t, 5*time.Second, cfg.Memory.MetadataLockTTL)
	assert.Equal(t, 10*time.Second, cfg.Memory.AdminLockTTL)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Queue.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Queue.ProcessingTimeout)
	assert.Equal(t, metadata.StoreTypeRedis, cfg.Metadata.Store)
	assert.Equal(t, "conversations", cfg.Supabase.Table)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "memory.yaml", `
redis:
  addr: redis.internal:6379
  db: 2
memory:
  default_level: 2
  dialog_batch_size: 4
  use_queue: true
  processing_lock_ttl: 30s
queue:
  name: ingest
  retry_delay: 10s
  workers: 4
  maintenance_interval: 2s
log:
  format: json
`)
	t.Setenv("MEMORY_REDIS_PASSWORD", "secret")
	t.Setenv("MEMORY_MEMORY_MAX_HISTORY_SIZE", "25")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, backend.LevelGraph, cfg.Memory.DefaultLevel)
	assert.Equal(t, 4, cfg.Memory.Coordinator.BatchSize)
	assert.True(t, cfg.Memory.Coordinator.UseQueue)
	assert.Equal(t, 30*time.Second, cfg.Memory.Coordinator.ProcessingLockTTL)
	assert.Equal(t, 25, cfg.Memory.Coordinator.MaxHistorySize)
	assert.Equal(t, "ingest", cfg.Queue.Name)
	assert.Equal(t, 10*time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, "json", cfg.Log.Format)

	mc := cfg.ManagerConfig()
	assert.Equal(t, 4, mc.Consumer.Workers)
	assert.Equal(t, 2*time.Second, mc.MaintenanceInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"zero batch size", "memory:\n  dialog_batch_size: 0\n", memory.ErrInvalidBatchSize},
		{"batch size below inherit", "memory:\n  dialog_batch_size: -2\n", memory.ErrInvalidBatchSize},
		{"zero history", "memory:\n  max_history_size: 0\n", memory.ErrInvalidConfig},
		{"negative retries", "queue:\n  max_retries: -1\n", memory.ErrInvalidConfig},
		{"unknown metadata store", "metadata:\n  store: etcd\n", memory.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "c.yaml", tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadEnvFiles(t *testing.T) {
	const key = "MEMORY_TEST_DOTENV_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeFile(t, ".env", key+"=from-file\n")
	require.NoError(t, config.LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv(key))
}
