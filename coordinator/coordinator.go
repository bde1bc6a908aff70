// Package coordinator decides, turn by turn, whether a tenant's buffered
// dialog should be ingested now, and runs the batch processor that drains the
// buffer into the active backend under a per-tenant Redis lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/dialog"
	"github.com/creastat/memory/redislock"
)

// ErrNoBackend is returned when no backend has been set.
var ErrNoBackend = errors.New("coordinator: no backend")

// ErrClosed is returned by Store after Shutdown.
var ErrClosed = errors.New("coordinator: shut down")

// Forwarder hands a turn to an out-of-process inbox instead of the cache.
type Forwarder interface {
	Forward(ctx context.Context, tenant memory.TenantKey, turn memory.DialogTurn) error
}

// StoreOptions are per-call flags.
type StoreOptions struct {
	// ForceImmediate processes the buffer regardless of its size.
	ForceImmediate bool
	// UseQueue overrides Config.UseQueue when set.
	UseQueue *bool
}

// Observer is called after a backend accepted a context.
type Observer func(tenant memory.TenantKey, mc memory.MemoryContext)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithForwarder sets the inbox used when queueing is enabled.
func WithForwarder(f Forwarder) Option {
	return func(c *Coordinator) { c.forwarder = f }
}

// WithObserver registers a hook called after every successful backend store.
func WithObserver(fn Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, fn) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the write path for all tenants of a process.
type Coordinator struct {
	cfg       Config
	rdb       redis.UniversalClient
	cache     *dialog.Cache
	waiting   *dialog.WaitQueue
	history   *dialog.HistoryStore
	locks     *redislock.Client
	forwarder Forwarder
	observers []Observer
	log       logrus.FieldLogger
	now       func() time.Time

	backendMu sync.RWMutex
	backend   backend.Backend

	tasks taskTable
}

// New creates a Coordinator writing to b. A zero Config takes DefaultConfig.
func New(rdb redis.UniversalClient, b backend.Backend, cfg Config, opts ...Option) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxHistorySize == 0 {
		cfg.MaxHistorySize = def.MaxHistorySize
	}
	if cfg.ProcessingLockTTL == 0 {
		cfg.ProcessingLockTTL = def.ProcessingLockTTL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:     cfg,
		rdb:     rdb,
		backend: b,
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	dopts := []dialog.Option{dialog.WithLogger(c.log)}
	c.cache = dialog.NewCache(rdb, dopts...)
	c.waiting = dialog.NewWaitQueue(rdb, dopts...)
	c.history = dialog.NewHistoryStore(rdb, cfg.MaxHistorySize, dopts...)
	c.locks = redislock.New(rdb)
	c.tasks.init()
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Cache exposes the dialog cache for operator tooling.
func (c *Coordinator) Cache() *dialog.Cache { return c.cache }

// WaitQueue exposes the overflow buffer for operator tooling.
func (c *Coordinator) WaitQueue() *dialog.WaitQueue { return c.waiting }

// History exposes the history ring.
func (c *Coordinator) History() *dialog.HistoryStore { return c.history }

// Backend returns the active backend.
func (c *Coordinator) Backend() backend.Backend {
	c.backendMu.RLock()
	defer c.backendMu.RUnlock()
	return c.backend
}

// SetBackend swaps the active backend. Batches already in flight finish on
// the backend they started with.
func (c *Coordinator) SetBackend(b backend.Backend) {
	c.backendMu.Lock()
	c.backend = b
	c.backendMu.Unlock()
}

// BatchSize is the effective batch size: the configured value, or the
// backend's preferred one when inheriting.
func (c *Coordinator) BatchSize() int {
	if c.cfg.BatchSize > 0 {
		return c.cfg.BatchSize
	}
	if b := c.Backend(); b != nil && b.DialogBatchSize() > 0 {
		return b.DialogBatchSize()
	}
	return 1
}

// Store accepts one turn for tenant.
//
// It returns an error only for validation failures, a shut down coordinator
// and a failed append. Everything after the append is asynchronous and
// reported through logs.
func (c *Coordinator) Store(ctx context.Context, tenant memory.TenantKey, turn memory.DialogTurn, opts StoreOptions) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if c.tasks.isClosed() {
		return ErrClosed
	}
	turn.Normalize(c.now())
	log := c.log.WithFields(tenantFields(tenant))

	useQueue := c.cfg.UseQueue
	if opts.UseQueue != nil {
		useQueue = *opts.UseQueue
	}
	if useQueue && !opts.ForceImmediate {
		if c.forwarder != nil {
			if err := c.forwarder.Forward(ctx, tenant, turn); err != nil {
				return fmt.Errorf("coordinator: forward: %w", err)
			}
			return nil
		}
		log.Debug("coordinator: queueing requested without a forwarder, storing directly")
	}

	if err := c.cache.Append(ctx, tenant, turn); err != nil {
		return err
	}

	size, err := c.cache.Size(ctx, tenant)
	if err != nil {
		log.WithError(err).Warn("coordinator: read cache size")
		return nil
	}
	processing, err := c.locks.Held(ctx, tenant.ProcessingKey())
	if err != nil {
		log.WithError(err).Warn("coordinator: read processing lock")
		return nil
	}

	batchSize := c.BatchSize()
	shouldProcess := opts.ForceImmediate || size >= int64(batchSize)
	switch {
	case shouldProcess && !processing:
		c.schedule(tenant)
	case shouldProcess && processing:
		if c.cfg.UseWaitQueue {
			moved, err := c.cache.MoveToWaiting(ctx, tenant)
			if err != nil {
				log.WithError(err).Warn("coordinator: move cache to waiting queue")
				return nil
			}
			log.WithField("moved", moved).Debug("coordinator: batch in flight, cache moved to waiting queue")
		}
		// The holder may have released since the check; schedule either
		// starts a processor or asks the running one for another pass.
		c.schedule(tenant)
	}
	return nil
}

// Flush schedules processing for tenant if anything is buffered, regardless
// of batch size. It reports whether a run was scheduled.
func (c *Coordinator) Flush(ctx context.Context, tenant memory.TenantKey) (bool, error) {
	if err := tenant.Validate(); err != nil {
		return false, err
	}
	pending, err := c.Pending(ctx, tenant)
	if err != nil {
		return false, err
	}
	if pending == 0 {
		return false, nil
	}
	return c.schedule(tenant), nil
}

// Pending returns the number of turns buffered in the cache and the waiting
// queue of tenant.
func (c *Coordinator) Pending(ctx context.Context, tenant memory.TenantKey) (int64, error) {
	size, err := c.cache.Size(ctx, tenant)
	if err != nil {
		return 0, err
	}
	waiting, err := c.waiting.Len(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return size + waiting, nil
}

// Clear drops everything buffered for tenant.
func (c *Coordinator) Clear(ctx context.Context, tenant memory.TenantKey) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	return dialog.Clear(ctx, c.rdb, tenant)
}

func tenantFields(tenant memory.TenantKey) logrus.Fields {
	return logrus.Fields{
		"user_id":    tenant.UserID,
		"role_id":    tenant.RoleID,
		"session_id": tenant.Session(),
	}
}
