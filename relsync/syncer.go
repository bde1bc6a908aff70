package relsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
)

// DefaultLookback is the number of preceding rows attached as history.
const DefaultLookback = 10

var (
	// ErrNoSource is returned when a backend was built without a source.
	ErrNoSource = errors.New("relsync: no conversations source configured")

	// ErrAlreadySyncing is returned when a sync for the tenant is running.
	ErrAlreadySyncing = errors.New("relsync: sync already running")

	// ErrStalled is returned when stored rows keep coming back as unsynced.
	ErrStalled = errors.New("relsync: rows were not marked synced")
)

// StoreFunc hands one context to a backend.
type StoreFunc func(ctx context.Context, mc memory.MemoryContext, tenant memory.TenantKey) error

// Option configures a Syncer.
type Option func(*Syncer)

// WithLookback sets how many preceding rows become history.
func WithLookback(n int) Option {
	return func(s *Syncer) { s.lookback = n }
}

// WithAutoSummarize toggles role relabeling in synced transcripts.
func WithAutoSummarize(on bool) Option {
	return func(s *Syncer) { s.autoSummarize = on }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Syncer) { s.log = l }
}

// Syncer imports unsynced conversations into a backend, one tenant at a time.
type Syncer struct {
	source        Source
	store         StoreFunc
	batchSize     func() int
	lookback      int
	autoSummarize bool
	log           logrus.FieldLogger

	mu      sync.Mutex
	status  map[memory.TenantKey]backend.SyncStatus
	cancels map[memory.TenantKey]context.CancelFunc
}

// NewSyncer creates a Syncer. source may be nil, in which case Sync fails
// with ErrNoSource.
func NewSyncer(source Source, store StoreFunc, batchSize func() int, opts ...Option) *Syncer {
	s := &Syncer{
		source:        source,
		store:         store,
		batchSize:     batchSize,
		lookback:      DefaultLookback,
		autoSummarize: true,
		log:           logrus.StandardLogger(),
		status:        make(map[memory.TenantKey]backend.SyncStatus),
		cancels:       make(map[memory.TenantKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSource swaps the conversations source.
func (s *Syncer) SetSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// Status returns the last known status for tenant.
func (s *Syncer) Status(tenant memory.TenantKey) backend.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[tenant]
}

// Cancel stops a running sync for tenant. It reports whether one was running.
func (s *Syncer) Cancel(tenant memory.TenantKey) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[tenant]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Sync imports every unsynced row of tenant in [since, until].
func (s *Syncer) Sync(ctx context.Context, tenant memory.TenantKey, since, until *time.Time) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	ctx, src, err := s.begin(ctx, tenant)
	if err != nil {
		return err
	}
	defer s.end(tenant)

	stored, total, err := s.run(ctx, src, tenant, Window{Since: since, Until: until})
	s.finish(tenant, stored, total, err)
	return err
}

func (s *Syncer) begin(ctx context.Context, tenant memory.TenantKey) (context.Context, Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return nil, nil, ErrNoSource
	}
	if _, running := s.cancels[tenant]; running {
		return nil, nil, ErrAlreadySyncing
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancels[tenant] = cancel
	prev := s.status[tenant]
	s.status[tenant] = backend.SyncStatus{IsSyncing: true, LastSyncTime: prev.LastSyncTime}
	return ctx, s.source, nil
}

func (s *Syncer) end(tenant memory.TenantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[tenant]; ok {
		cancel()
		delete(s.cancels, tenant)
	}
}

func (s *Syncer) progress(tenant memory.TenantKey, stored, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[tenant]
	st.Stored = stored
	st.Total = total
	if total > 0 {
		st.Progress = min(float64(stored)/float64(total), 1)
	}
	s.status[tenant] = st
}

func (s *Syncer) finish(tenant memory.TenantKey, stored, total int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[tenant]
	st.IsSyncing = false
	st.Stored = stored
	st.Total = total
	switch {
	case err != nil:
		st.Error = err.Error()
	case total > 0 && stored == 0:
		st.Error = "relsync: rows were pending but none were stored"
	default:
		st.Error = ""
		st.Progress = 1.0
		now := time.Now()
		st.LastSyncTime = &now
	}
	s.status[tenant] = st
}

func (s *Syncer) run(ctx context.Context, src Source, tenant memory.TenantKey, w Window) (int, int, error) {
	log := s.log.WithFields(logrus.Fields{
		"user_id":    tenant.UserID,
		"role_id":    tenant.RoleID,
		"session_id": tenant.Session(),
	})

	total, err := src.CountUnsynced(ctx, tenant, w)
	if err != nil {
		return 0, 0, fmt.Errorf("relsync: count: %w", err)
	}
	s.progress(tenant, 0, total)

	batchSize := s.batchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	var history []memory.DialogTurn
	seen := make(map[int64]struct{}, total)
	stored := 0
	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return stored, total, fmt.Errorf("relsync: cancelled: %w", err)
		}
		rows, err := src.ListUnsynced(ctx, tenant, w, batchSize)
		if err != nil {
			return stored, total, fmt.Errorf("relsync: list: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		if _, dup := seen[rows[0].ID]; dup {
			return stored, total, ErrStalled
		}
		if first {
			prev, err := src.ListBefore(ctx, tenant, rows[0].CreatedAt, s.lookback)
			if err != nil {
				return stored, total, fmt.Errorf("relsync: look-back: %w", err)
			}
			history = turnsOf(prev)
		}

		turns := turnsOf(rows)
		mc, err := memory.Summarize(turns, history, memory.SummarizeOptions{
			AutoSummarize: s.autoSummarize,
			MaxHistory:    s.lookback,
			Logger:        log,
		})
		if err != nil {
			return stored, total, err
		}
		mc = mc.WithSession(tenant)
		if err := s.store(ctx, mc, tenant); err != nil {
			return stored, total, fmt.Errorf("relsync: store batch: %w", err)
		}
		if err := src.MarkSynced(ctx, idsOf(rows)); err != nil {
			return stored, total, fmt.Errorf("relsync: mark synced: %w", err)
		}
		for _, r := range rows {
			seen[r.ID] = struct{}{}
		}
		stored += len(rows)
		history = memory.TrimHistory(append(history, mc.SourceDialog...), s.lookback)
		s.progress(tenant, stored, total)
		log.WithFields(logrus.Fields{"stored": stored, "total": total}).Debug("relsync: batch stored")
	}
	return stored, total, nil
}
