package coordinator

import (
	"fmt"
	"time"

	"github.com/creastat/memory"
	"github.com/creastat/memory/redislock"
)

// InheritBatchSize makes the coordinator use the active backend's preferred
// batch size.
const InheritBatchSize = -1

// Config controls batching for every tenant handled by a Coordinator.
type Config struct {
	// BatchSize is the number of buffered turns that triggers processing.
	// InheritBatchSize defers to the backend.
	BatchSize int `mapstructure:"dialog_batch_size"`

	// AutoSummarize relabels roles in multi-turn transcripts.
	AutoSummarize bool `mapstructure:"auto_summarize"`

	// UseQueue routes writes through the Forwarder when one is configured.
	UseQueue bool `mapstructure:"use_queue"`

	// MaxHistorySize bounds the history attached to every context.
	MaxHistorySize int `mapstructure:"max_history_size"`

	// ProcessingLockTTL bounds one BatchProcessor run.
	ProcessingLockTTL time.Duration `mapstructure:"processing_lock_ttl"`

	// UseWaitQueue moves the cache aside while a batch is in flight.
	UseWaitQueue bool `mapstructure:"use_wait_queue"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         InheritBatchSize,
		AutoSummarize:     true,
		MaxHistorySize:    memory.DefaultMaxHistory,
		ProcessingLockTTL: redislock.ProcessingTTL,
		UseWaitQueue:      true,
	}
}

// Validate rejects batch sizes of zero or below -1 and non-positive history.
func (c Config) Validate() error {
	if c.BatchSize == 0 || c.BatchSize < InheritBatchSize {
		return fmt.Errorf("%w: %d", memory.ErrInvalidBatchSize, c.BatchSize)
	}
	if c.MaxHistorySize <= 0 {
		return fmt.Errorf("%w: max_history_size must be positive", memory.ErrInvalidConfig)
	}
	if c.ProcessingLockTTL <= 0 {
		return fmt.Errorf("%w: processing_lock_ttl must be positive", memory.ErrInvalidConfig)
	}
	return nil
}
