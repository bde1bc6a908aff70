package manager

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/dialog"
	"github.com/creastat/memory/metadata"
)

// Admin lock names.
const (
	opSetLevel       = "set_level"
	opRegisterSystem = "register_system"
	opClearCache     = "clear_cache"
	opForceProcess   = "force_process"
)

// withAdminLock runs fn under the single-writer lock of op.
func (m *Manager) withAdminLock(ctx context.Context, op string, fn func() error) error {
	lock, err := m.locks.Acquire(ctx, memory.AdminLockKey(op), m.cfg.AdminLockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.log.WithField("op", op).WithError(err).Warn("manager: release admin lock")
		}
	}()
	return fn()
}

// SetMemoryLevel switches the active tier. Batches already in flight finish
// on the previous tier.
func (m *Manager) SetMemoryLevel(ctx context.Context, level backend.Level) bool {
	log := m.log.WithField("level", int(level))
	if !m.registry.Has(level) {
		log.WithError(memory.ErrInvalidLevel).Debug("manager: set level rejected")
		return false
	}
	err := m.withAdminLock(ctx, opSetLevel, func() error {
		b, err := m.backendFor(level)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.active = level
		m.mu.Unlock()
		m.coord.SetBackend(b)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("manager: set level failed")
		return false
	}
	log.WithField("backend", m.Backend().Name()).Info("manager: memory level changed")
	return true
}

// RegisterCustomMemorySystem registers factory at level. A tier already
// constructed at that level is replaced; when it is the active tier the
// coordinator switches to the new instance.
func (m *Manager) RegisterCustomMemorySystem(ctx context.Context, level backend.Level, name string, factory backend.Factory) bool {
	log := m.log.WithFields(logrus.Fields{"level": int(level), "backend": name})
	if level < 0 || factory == nil {
		log.WithError(memory.ErrInvalidLevel).Debug("manager: register rejected")
		return false
	}
	err := m.withAdminLock(ctx, opRegisterSystem, func() error {
		if err := m.registry.Register(level, name, factory); err != nil {
			return err
		}
		m.mu.Lock()
		old, built := m.backends[level]
		delete(m.backends, level)
		active := m.active == level
		m.mu.Unlock()

		if active {
			b, err := m.backendFor(level)
			if err != nil {
				return err
			}
			m.coord.SetBackend(b)
		}
		if built {
			if err := old.Close(); err != nil {
				log.WithError(err).Warn("manager: close replaced backend")
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("manager: register failed")
		return false
	}
	return true
}

// EnableMemory marks memory enabled for the tenant and, with runSync,
// imports its unsynced relational rows in the background.
func (m *Manager) EnableMemory(ctx context.Context, tenant memory.TenantKey, runSync bool) bool {
	log := m.log.WithFields(tenantFields(tenant))
	if err := tenant.Validate(); err != nil {
		log.WithError(err).Debug("manager: enable rejected")
		return false
	}
	ok := m.updateMeta(ctx, tenant, func(meta *metadata.TenantMeta) {
		meta.Enabled = true
	})
	if !ok {
		return false
	}
	if runSync {
		started := m.goBackground(func() {
			sctx := context.WithoutCancel(ctx)
			if err := m.Sync(sctx, tenant, nil, nil); err != nil {
				log.WithError(err).Warn("manager: initial sync failed")
			}
		})
		if !started {
			log.Debug("manager: shut down, initial sync skipped")
		}
	}
	return true
}

// Metadata returns a copy of the tenant's cached metadata, loading it from
// the store on a miss.
func (m *Manager) Metadata(ctx context.Context, tenant memory.TenantKey) (*metadata.TenantMeta, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	id := metadata.IDFor(tenant)
	m.metaMu.Lock()
	if meta, ok := m.metaCache[id]; ok {
		m.metaMu.Unlock()
		return meta.Clone(), nil
	}
	m.metaMu.Unlock()

	meta, err := m.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, memory.ErrNotFound
	}
	m.metaMu.Lock()
	m.metaCache[id] = meta
	m.metaMu.Unlock()
	return meta.Clone(), nil
}

// ensureMeta lazily creates the tenant's metadata on first write.
func (m *Manager) ensureMeta(ctx context.Context, tenant memory.TenantKey) {
	id := metadata.IDFor(tenant)
	m.metaMu.Lock()
	_, ok := m.metaCache[id]
	m.metaMu.Unlock()
	if ok {
		return
	}
	if meta, err := m.meta.Get(ctx, id); err == nil && meta != nil {
		m.metaMu.Lock()
		m.metaCache[id] = meta
		m.metaMu.Unlock()
		return
	}
	m.updateMeta(ctx, tenant, func(meta *metadata.TenantMeta) {
		if meta.Version == 0 {
			meta.Enabled = true
		}
	})
}

// updateMeta applies fn to the tenant's metadata under the metadata lock,
// creating the record when missing, and refreshes the cache.
func (m *Manager) updateMeta(ctx context.Context, tenant memory.TenantKey, fn func(*metadata.TenantMeta)) bool {
	log := m.log.WithFields(tenantFields(tenant))
	lock, err := m.locks.Acquire(ctx, tenant.MetadataLockKey(), m.cfg.MetadataLockTTL)
	if err != nil {
		log.WithError(err).Warn("manager: metadata lock")
		return false
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("manager: release metadata lock")
		}
	}()

	id := metadata.IDFor(tenant)
	meta, err := m.meta.Get(ctx, id)
	if err != nil {
		log.WithError(err).Error("manager: read metadata")
		return false
	}
	if meta == nil {
		meta = metadata.New(tenant, int(m.ActiveLevel()))
		fn(meta)
		err = m.meta.Create(ctx, meta)
		if errors.Is(err, metadata.ErrExists) {
			return m.retryUpdate(ctx, log, id, fn)
		}
	} else {
		fn(meta)
		meta.UpdatedAt = time.Now()
		err = m.meta.Update(ctx, meta)
	}
	if err != nil {
		log.WithError(err).Error("manager: write metadata")
		return false
	}

	m.metaMu.Lock()
	m.metaCache[id] = meta.Clone()
	m.metaMu.Unlock()
	return true
}

// retryUpdate handles a record created by another process between Get and
// Create.
func (m *Manager) retryUpdate(ctx context.Context, log logrus.FieldLogger, id string, fn func(*metadata.TenantMeta)) bool {
	meta, err := m.meta.Get(ctx, id)
	if err != nil || meta == nil {
		log.WithError(err).Error("manager: reread metadata")
		return false
	}
	fn(meta)
	if err := m.meta.Update(ctx, meta); err != nil {
		log.WithError(err).Error("manager: write metadata")
		return false
	}
	m.metaMu.Lock()
	m.metaCache[id] = meta.Clone()
	m.metaMu.Unlock()
	return true
}

// ForcePendingDialogs schedules processing for tenant, or for every tenant
// with a buffered dialog when tenant is nil, regardless of batch size. It
// returns the number of tenants scheduled.
func (m *Manager) ForcePendingDialogs(ctx context.Context, tenant *memory.TenantKey) int {
	scheduled := 0
	err := m.withAdminLock(ctx, opForceProcess, func() error {
		var tenants []memory.TenantKey
		if tenant != nil {
			tenants = []memory.TenantKey{*tenant}
		} else {
			var err error
			tenants, err = dialog.ScanTenants(ctx, m.rdb, dialog.WithLogger(m.log))
			if err != nil {
				return err
			}
		}
		for _, t := range tenants {
			ok, err := m.coord.Flush(ctx, t)
			if err != nil {
				m.log.WithFields(tenantFields(t)).WithError(err).Warn("manager: force process")
				continue
			}
			if ok {
				scheduled++
			}
		}
		return nil
	})
	if err != nil {
		m.log.WithError(err).Error("manager: force process failed")
	}
	return scheduled
}

// ClearCache drops the buffered dialog, waiting queue and history of tenant
// and evicts its cached metadata.
func (m *Manager) ClearCache(ctx context.Context, tenant memory.TenantKey) bool {
	log := m.log.WithFields(tenantFields(tenant))
	if err := tenant.Validate(); err != nil {
		log.WithError(err).Debug("manager: clear rejected")
		return false
	}
	err := m.withAdminLock(ctx, opClearCache, func() error {
		return m.coord.Clear(ctx, tenant)
	})
	if err != nil {
		log.WithError(err).Error("manager: clear cache failed")
		return false
	}
	m.metaMu.Lock()
	delete(m.metaCache, metadata.IDFor(tenant))
	m.metaMu.Unlock()
	return true
}

// Reset empties the in-process metadata cache.
func (m *Manager) Reset() {
	m.metaMu.Lock()
	m.metaCache = make(map[string]*metadata.TenantMeta)
	m.metaMu.Unlock()
}
