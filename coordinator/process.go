package coordinator

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/redislock"
)

// Process runs one batch processor cycle for tenant: acquire the processing
// lock, reinject the waiting queue, drain, summarize, store, push history,
// reinject again and release. acquired is false when another holder owns the
// lock.
//
// The returned error is the backend or Redis failure that ended the cycle.
// Turns are restored or dropped according to the error kind before Process
// returns.
func (c *Coordinator) Process(ctx context.Context, tenant memory.TenantKey) (acquired bool, err error) {
	out, err := c.process(ctx, tenant)
	return out.acquired, err
}

// cycle describes how one processor cycle ended.
type cycle struct {
	acquired bool
	// storeFailed is set when the backend (or its absence) failed the batch;
	// the cache and waiting queue are still consistent afterwards.
	storeFailed bool
	// restored counts turns put back at the head of the cache.
	restored int
}

func (c *Coordinator) process(ctx context.Context, tenant memory.TenantKey) (cycle, error) {
	var out cycle
	if err := tenant.Validate(); err != nil {
		return out, err
	}
	log := c.log.WithFields(tenantFields(tenant))

	lock, err := c.locks.TryAcquire(ctx, tenant.ProcessingKey(), c.cfg.ProcessingLockTTL)
	if errors.Is(err, redislock.ErrNotAcquired) {
		log.Debug("coordinator: processing lock held elsewhere")
		return out, nil
	}
	if err != nil {
		log.WithError(err).Warn("coordinator: acquire processing lock")
		return out, err
	}
	out.acquired = true
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.WithError(rerr).Warn("coordinator: release processing lock")
		}
	}()

	// Turns parked while another cycle ran are older than anything in the
	// cache, so they go back to its head before the drain.
	if err := c.reinject(ctx, log, tenant); err != nil {
		return out, err
	}
	batch, err := c.cache.Drain(ctx, tenant)
	if err != nil {
		log.WithError(err).Error("coordinator: drain dialog cache")
		return out, err
	}
	if len(batch) == 0 {
		return out, nil
	}

	b := c.Backend()
	log = log.WithFields(logrus.Fields{"batch_size": len(batch)})
	if b == nil {
		out.storeFailed = true
		out.restored = c.onStoreError(ctx, log, tenant, batch, ErrNoBackend)
		return out, ErrNoBackend
	}
	log = log.WithField("backend", b.Name())

	history, err := c.history.Recent(ctx, tenant, c.cfg.MaxHistorySize)
	if err != nil {
		log.WithError(err).Warn("coordinator: read history, continuing without")
		history = nil
	}

	mc, err := memory.Summarize(batch, history, memory.SummarizeOptions{
		AutoSummarize: c.cfg.AutoSummarize,
		MaxHistory:    c.cfg.MaxHistorySize,
		Now:           c.now,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Error("coordinator: summarize batch")
		return out, err
	}
	mc = mc.WithSession(tenant)

	storeErr := b.Store(ctx, mc, tenant)
	if storeErr == nil {
		if err := c.history.Push(ctx, tenant, mc.SourceDialog...); err != nil {
			log.WithError(err).Warn("coordinator: push history")
		}
		for _, fn := range c.observers {
			fn(tenant, mc)
		}
		log.Debug("coordinator: batch stored")
	}

	// Waiting turns go back to the head of the cache while the lock is held.
	if err := c.reinject(ctx, log, tenant); err != nil && storeErr == nil {
		return out, err
	}
	if storeErr != nil {
		out.storeFailed = true
		out.restored = c.onStoreError(ctx, log, tenant, mc.SourceDialog, storeErr)
		return out, storeErr
	}
	return out, nil
}

func (c *Coordinator) reinject(ctx context.Context, log logrus.FieldLogger, tenant memory.TenantKey) error {
	n, err := c.waiting.Reinject(ctx, tenant)
	if err != nil {
		log.WithError(err).Error("coordinator: reinject waiting queue")
		return err
	}
	if n > 0 {
		log.WithField("reinjected", n).Debug("coordinator: waiting queue reinjected")
	}
	return nil
}

// onStoreError applies the failure policy: capacity and rejection drop the
// batch, other errors restore a single turn and drop a summarized batch. It
// returns the number of restored turns.
func (c *Coordinator) onStoreError(ctx context.Context, log logrus.FieldLogger, tenant memory.TenantKey, batch []memory.DialogTurn, err error) int {
	log = log.WithField("error", err)
	kind := backend.Classify(err)
	switch {
	case kind == backend.KindCapacity || kind == backend.KindRejected:
		log.WithField("kind", kind.String()).Warn("coordinator: backend refused batch, dropping turns")
		return 0
	case len(batch) == 1:
		if rerr := c.cache.Restore(ctx, tenant, batch); rerr != nil {
			log.WithField("restore_error", rerr).Error("coordinator: backend store failed and restore failed, turn dropped")
			return 0
		}
		log.Error("coordinator: backend store failed, turn restored for the next cycle")
		return len(batch)
	default:
		log.WithFields(logrus.Fields{
			"dropped": len(batch),
			"reason":  "retry would re-summarize against newer history",
		}).Error("coordinator: backend store failed, summarized batch dropped")
		return 0
	}
}
