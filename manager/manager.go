// Package manager is the producer-facing entry point of the memory pipeline.
// It owns the tier registry, the coordinator, tenant metadata and the
// optional ingest queue, and never returns errors for asynchronous work:
// mutations report a bool, reads a slice.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/coordinator"
	"github.com/creastat/memory/metadata"
	"github.com/creastat/memory/queue"
	"github.com/creastat/memory/redislock"
)

// DefaultTopK is the retrieval size when none is given.
const DefaultTopK = 5

// Config is the manager configuration.
type Config struct {
	DefaultLevel    backend.Level      `mapstructure:"default_level"`
	Coordinator     coordinator.Config `mapstructure:",squash"`
	MetadataLockTTL time.Duration      `mapstructure:"metadata_lock_ttl"`
	AdminLockTTL    time.Duration      `mapstructure:"admin_lock_ttl"`

	Consumer            queue.ConsumerOptions `mapstructure:"-"`
	MaintenanceInterval time.Duration         `mapstructure:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLevel:        backend.LevelBasic,
		Coordinator:         coordinator.DefaultConfig(),
		MetadataLockTTL:     redislock.MetadataTTL,
		AdminLockTTL:        redislock.AdminTTL,
		MaintenanceInterval: 5 * time.Second,
	}
}

// StoreOptions are the per-call flags of Store.
type StoreOptions = coordinator.StoreOptions

// RetrieveOptions tune a retrieval.
type RetrieveOptions struct {
	TopK    int
	Filters backend.Filters
	// Level pins the tier for this query.
	Level *backend.Level
	// Auto lets the query heuristic pick the tier.
	Auto bool
	// Hint is the caller's complexity estimate in [0, 1] used by Auto.
	Hint float64
}

// BatchItem is one entry of BatchStore.
type BatchItem struct {
	Tenant  memory.TenantKey
	Turn    memory.DialogTurn
	Options StoreOptions
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetadataStore sets the tenant metadata store. Defaults to memory.
func WithMetadataStore(s metadata.Store) Option {
	return func(m *Manager) { m.meta = s }
}

// WithQueue enables the ingest queue. Writes are forwarded to it when
// use_queue is in effect and StartQueueConsumer drains it.
func WithQueue(q *queue.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithCoordinatorOptions passes options through to the coordinator.
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(m *Manager) { m.coordOpts = append(m.coordOpts, opts...) }
}

// Manager is the memory facade of one process.
type Manager struct {
	cfg       Config
	rdb       redis.UniversalClient
	registry  *backend.Registry
	locks     *redislock.Client
	meta      metadata.Store
	queue     *queue.Queue
	coord     *coordinator.Coordinator
	coordOpts []coordinator.Option
	log       logrus.FieldLogger

	mu       sync.RWMutex
	active   backend.Level
	backends map[backend.Level]backend.Backend

	metaMu    sync.Mutex
	metaCache map[string]*metadata.TenantMeta

	bgMu     sync.Mutex
	bg       sync.WaitGroup
	bgClosed bool

	consumer   *queue.Consumer
	maintainer *queue.Maintainer
}

// New builds a Manager with the tier registered at cfg.DefaultLevel active.
func New(rdb redis.UniversalClient, registry *backend.Registry, cfg Config, opts ...Option) (*Manager, error) {
	def := DefaultConfig()
	if cfg.MetadataLockTTL <= 0 {
		cfg.MetadataLockTTL = def.MetadataLockTTL
	}
	if cfg.AdminLockTTL <= 0 {
		cfg.AdminLockTTL = def.AdminLockTTL
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", memory.ErrInvalidConfig)
	}

	m := &Manager{
		cfg:       cfg,
		rdb:       rdb,
		registry:  registry,
		locks:     redislock.New(rdb),
		log:       logrus.StandardLogger(),
		backends:  make(map[backend.Level]backend.Backend),
		metaCache: make(map[string]*metadata.TenantMeta),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.meta == nil {
		m.meta = metadata.NewMemoryStore()
	}

	b, err := m.backendFor(cfg.DefaultLevel)
	if err != nil {
		return nil, err
	}
	m.active = cfg.DefaultLevel

	copts := append([]coordinator.Option{coordinator.WithLogger(m.log)}, m.coordOpts...)
	if m.queue != nil {
		copts = append(copts, coordinator.WithForwarder(coordinator.NewQueueForwarder(m.queue)))
	}
	m.coord, err = coordinator.New(rdb, b, cfg.Coordinator, copts...)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Coordinator exposes the write path.
func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }

// Registry exposes the tier registry.
func (m *Manager) Registry() *backend.Registry { return m.registry }

// ActiveLevel returns the tier new writes go to.
func (m *Manager) ActiveLevel() backend.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Backend returns the active backend.
func (m *Manager) Backend() backend.Backend { return m.coord.Backend() }

// backendFor returns the instance of level, constructing it once.
func (m *Manager) backendFor(level backend.Level) (backend.Backend, error) {
	m.mu.RLock()
	b, ok := m.backends[level]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backends[level]; ok {
		return b, nil
	}
	b, err := m.registry.New(level)
	if err != nil {
		return nil, err
	}
	m.backends[level] = b
	return b, nil
}

// Store accepts one turn. It returns false only when the call was rejected
// or the turn could not be buffered.
func (m *Manager) Store(ctx context.Context, turn memory.DialogTurn, tenant memory.TenantKey, opts StoreOptions) bool {
	log := m.log.WithFields(tenantFields(tenant))
	if err := tenant.Validate(); err != nil {
		log.WithError(err).Debug("manager: store rejected")
		return false
	}
	m.ensureMeta(ctx, tenant)
	if err := m.coord.Store(ctx, tenant, turn, opts); err != nil {
		if memory.IsValidation(err) {
			log.WithError(err).Debug("manager: store rejected")
		} else {
			log.WithError(err).Error("manager: store failed")
		}
		return false
	}
	return true
}

// StoreMap accepts a turn in its loosely typed dictionary form.
func (m *Manager) StoreMap(ctx context.Context, raw map[string]any, tenant memory.TenantKey, opts StoreOptions) bool {
	turn, err := memory.TurnFromMap(raw)
	if err != nil {
		m.log.WithFields(tenantFields(tenant)).WithError(err).Debug("manager: store rejected, malformed turn")
		return false
	}
	return m.Store(ctx, turn, tenant, opts)
}

// BatchStore stores every item and returns how many were accepted.
func (m *Manager) BatchStore(ctx context.Context, items []BatchItem) int {
	n := 0
	for _, it := range items {
		if m.Store(ctx, it.Turn, it.Tenant, it.Options) {
			n++
		}
	}
	return n
}

// Retrieve returns up to TopK memories of tenant. The tier is the active one
// unless the options pin or auto-select another; selecting a tier for one
// query never changes the active tier.
func (m *Manager) Retrieve(ctx context.Context, query string, tenant memory.TenantKey, opts RetrieveOptions) []backend.Result {
	log := m.log.WithFields(tenantFields(tenant))
	if err := tenant.Validate(); err != nil {
		log.WithError(err).Debug("manager: retrieve rejected")
		return nil
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	level := m.ActiveLevel()
	if opts.Level != nil || opts.Auto {
		if l, ok := backend.SelectLevel(m.registry.Levels(), backend.Signal(query, opts.Hint), opts.Level); ok {
			level = l
		}
	}
	b, err := m.backendFor(level)
	if err != nil {
		log.WithError(err).Warn("manager: retrieve tier unavailable")
		return nil
	}
	results, err := b.Retrieve(ctx, query, opts.TopK, tenant, opts.Filters)
	if err != nil {
		log.WithFields(logrus.Fields{"backend": b.Name(), "error": err}).Error("manager: retrieve failed")
		return nil
	}
	return results
}

// Update changes a stored memory on the active tier.
func (m *Manager) Update(ctx context.Context, id string, data map[string]any, tenant memory.TenantKey) bool {
	return m.mutate(tenant, "update", id, func(b backend.Backend) error {
		return b.Update(ctx, id, data, tenant)
	})
}

// Delete removes a stored memory from the active tier.
func (m *Manager) Delete(ctx context.Context, id string, tenant memory.TenantKey) bool {
	return m.mutate(tenant, "delete", id, func(b backend.Backend) error {
		return b.Delete(ctx, id, tenant)
	})
}

func (m *Manager) mutate(tenant memory.TenantKey, op, id string, fn func(backend.Backend) error) bool {
	log := m.log.WithFields(tenantFields(tenant)).WithField("memory_id", id)
	if err := tenant.Validate(); err != nil {
		log.WithError(err).Debug("manager: " + op + " rejected")
		return false
	}
	b := m.Backend()
	if err := fn(b); err != nil {
		if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrForbidden) {
			log.WithError(err).Debug("manager: " + op + " rejected")
		} else {
			log.WithFields(logrus.Fields{"backend": b.Name(), "error": err}).Error("manager: " + op + " failed")
		}
		return false
	}
	return true
}

// SyncStatus reports the relational sync progress of tenant on the active tier.
func (m *Manager) SyncStatus(tenant memory.TenantKey) backend.SyncStatus {
	return m.Backend().SyncStatus(tenant)
}

// Sync imports unsynced relational rows for tenant into the active tier and
// records the sync time in the tenant metadata.
func (m *Manager) Sync(ctx context.Context, tenant memory.TenantKey, since, until *time.Time) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if err := m.Backend().SyncToDatabase(ctx, tenant, since, until); err != nil {
		return err
	}
	now := time.Now()
	m.updateMeta(ctx, tenant, func(meta *metadata.TenantMeta) { meta.LastSyncAt = &now })
	return nil
}

// Shutdown stops the consumer, waits for processors and background syncs,
// then closes every constructed backend.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.bgMu.Lock()
	m.bgClosed = true
	m.bgMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.StopQueueConsumer()
		return nil
	})
	g.Go(func() error { return m.coord.Shutdown(gctx) })
	g.Go(func() error { return m.waitBackground(gctx) })
	errs := []error{g.Wait()}

	m.mu.Lock()
	for level, b := range m.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("manager: close %s: %w", level, err))
		}
		delete(m.backends, level)
	}
	m.mu.Unlock()

	if err := m.meta.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// goBackground runs fn tracked by Shutdown. It returns false after Shutdown.
func (m *Manager) goBackground(fn func()) bool {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	if m.bgClosed {
		return false
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
	return true
}

func (m *Manager) waitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tenantFields(tenant memory.TenantKey) logrus.Fields {
	return logrus.Fields{
		"user_id":    tenant.UserID,
		"role_id":    tenant.RoleID,
		"session_id": tenant.Session(),
	}
}
