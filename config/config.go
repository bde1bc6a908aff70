// Package config loads memoryctl and worker configuration from a YAML file,
// .env files and MEMORY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/creastat/memory"
	"github.com/creastat/memory/manager"
	"github.com/creastat/memory/metadata"
	"github.com/creastat/memory/queue"
)

// EnvPrefix prefixes every environment override, e.g. MEMORY_REDIS_ADDR.
const EnvPrefix = "MEMORY"

// Config is the full memoryctl and worker configuration.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Memory   manager.Config `mapstructure:"memory"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Supabase SupabaseConfig `mapstructure:"supabase"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Embed    EmbedConfig    `mapstructure:"embed"`
	Log      LogConfig      `mapstructure:"log"`
	Gacha    GachaConfig    `mapstructure:"gacha"`
}

// RedisConfig is the shared Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetadataConfig selects the tenant metadata store.
type MetadataConfig struct {
	Store metadata.StoreType `mapstructure:"store"`
	TTL   time.Duration      `mapstructure:"ttl"`
}

// QueueConfig extends the queue settings with the consumer knobs.
type QueueConfig struct {
	queue.Config        `mapstructure:",squash"`
	Enabled             bool          `mapstructure:"enabled"`
	Workers             int           `mapstructure:"workers"`
	BatchSize           int           `mapstructure:"batch_size"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// ConsumerOptions returns the consumer settings.
func (q QueueConfig) ConsumerOptions() queue.ConsumerOptions {
	return queue.ConsumerOptions{
		Workers:      q.Workers,
		BatchSize:    q.BatchSize,
		PollInterval: q.PollInterval,
	}
}

// QdrantConfig points the vector tier at Qdrant. An empty URL keeps vectors
// in process.
type QdrantConfig struct {
	URL        string `mapstructure:"url"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
}

// SupabaseConfig is the conversations table used by relational sync.
type SupabaseConfig struct {
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	Table    string        `mapstructure:"table"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// GraphConfig locates the badger directory of the graph tier.
type GraphConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// EmbedConfig configures the OpenAI embedder. Without an API key the
// hashing embedder is used.
type EmbedConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

// LogConfig sets the logrus level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GachaConfig overrides box rules and the draw seed.
type GachaConfig struct {
	RulesFile string `mapstructure:"rules_file"`
	Seed      uint64 `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	mem := manager.DefaultConfig()
	q := queue.DefaultConfig()

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("memory.default_level", int(mem.DefaultLevel))
	v.SetDefault("memory.dialog_batch_size", mem.Coordinator.BatchSize)
	v.SetDefault("memory.auto_summarize", mem.Coordinator.AutoSummarize)
	v.SetDefault("memory.use_queue", mem.Coordinator.UseQueue)
	v.SetDefault("memory.max_history_size", mem.Coordinator.MaxHistorySize)
	v.SetDefault("memory.processing_lock_ttl", mem.Coordinator.ProcessingLockTTL)
	v.SetDefault("memory.use_wait_queue", mem.Coordinator.UseWaitQueue)
	v.SetDefault("memory.metadata_lock_ttl", mem.MetadataLockTTL)
	v.SetDefault("memory.admin_lock_ttl", mem.AdminLockTTL)

	v.SetDefault("metadata.store", string(metadata.StoreTypeRedis))
	v.SetDefault("metadata.ttl", time.Duration(0))

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.name", q.Name)
	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.retry_delay", q.RetryDelay)
	v.SetDefault("queue.processing_timeout", q.ProcessingTimeout)
	v.SetDefault("queue.enable_priority", q.EnablePriority)
	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.maintenance_interval", mem.MaintenanceInterval)

	v.SetDefault("qdrant.url", "")
	v.SetDefault("qdrant.collection", "memories")
	v.SetDefault("qdrant.api_key", "")

	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.api_key", "")
	v.SetDefault("supabase.table", "conversations")
	v.SetDefault("supabase.cache_ttl", 30*time.Second)

	v.SetDefault("graph.dir", "")
	v.SetDefault("graph.in_memory", true)

	v.SetDefault("embed.api_key", "")
	v.SetDefault("embed.base_url", "")
	v.SetDefault("embed.model", "text-embedding-3-small")
	v.SetDefault("embed.dimension", 1536)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("gacha.rules_file", "")
	v.SetDefault("gacha.seed", uint64(0))
}

// LoadEnvFiles loads .env files into the process environment. Missing files
// are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (optional) and applies MEMORY_* overrides on top of the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := c.Memory.Coordinator.Validate(); err != nil {
		return err
	}
	if c.Memory.DefaultLevel < 0 {
		return fmt.Errorf("%w: %d", memory.ErrInvalidLevel, c.Memory.DefaultLevel)
	}
	switch c.Metadata.Store {
	case metadata.StoreTypeMemory, metadata.StoreTypeRedis:
	default:
		return fmt.Errorf("%w: metadata.store %q", memory.ErrInvalidConfig, c.Metadata.Store)
	}
	q := c.Queue
	if q.MaxRetries < 0 || q.RetryDelay < 0 || q.ProcessingTimeout < 0 ||
		q.Workers < 0 || q.BatchSize < 0 || q.PollInterval < 0 || q.MaintenanceInterval < 0 {
		return fmt.Errorf("%w: queue settings must not be negative", memory.ErrInvalidConfig)
	}
	if c.Embed.Dimension <= 0 {
		return fmt.Errorf("%w: embed.dimension must be positive", memory.ErrInvalidConfig)
	}
	return nil
}

// ManagerConfig returns the manager configuration with the queue consumer
// settings folded in.
func (c *Config) ManagerConfig() manager.Config {
	m := c.Memory
	m.Consumer = c.Queue.ConsumerOptions()
	m.MaintenanceInterval = c.Queue.MaintenanceInterval
	return m
}
