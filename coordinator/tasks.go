package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
)

// task is one background processing loop for a tenant.
type task struct {
	rerun bool
	done  chan struct{}
}

// taskTable registers every background processor so Shutdown can await them.
// At most one task runs per tenant in a process.
type taskTable struct {
	mu     sync.Mutex
	tasks  map[memory.TenantKey]*task
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *taskTable) init() {
	t.tasks = make(map[memory.TenantKey]*task)
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

func (t *taskTable) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// takeRerun clears and returns the rerun flag.
func (t *taskTable) takeRerun(tenant memory.TenantKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[tenant]
	if !ok || !tk.rerun {
		return false
	}
	tk.rerun = false
	return true
}

// finish deregisters the task unless a rerun was requested since the last
// check, in which case it returns false and the task keeps going.
func (t *taskTable) finish(tenant memory.TenantKey, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[tenant]
	if !ok {
		return true
	}
	if tk.rerun && !force {
		tk.rerun = false
		return false
	}
	delete(t.tasks, tenant)
	close(tk.done)
	return true
}

// schedule starts a background processor for tenant, or asks the running one
// to make another pass. It returns false once the coordinator is shut down.
func (c *Coordinator) schedule(tenant memory.TenantKey) bool {
	t := &c.tasks
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if tk, ok := t.tasks[tenant]; ok {
		tk.rerun = true
		t.mu.Unlock()
		return true
	}
	tk := &task{done: make(chan struct{})}
	t.tasks[tenant] = tk
	ctx := t.ctx
	t.mu.Unlock()

	go c.run(ctx, tenant)
	return true
}

// run loops the batch processor until nothing is left to do for tenant. A
// failed store settles only its own batch; turns buffered behind it are still
// scheduled.
func (c *Coordinator) run(ctx context.Context, tenant memory.TenantKey) {
	log := c.log.WithFields(tenantFields(tenant))
	for {
		out, err := c.process(ctx, tenant)
		if !out.acquired || (err != nil && !out.storeFailed) {
			// Either another holder will re-check after its release, or
			// Redis failed and the next store retries.
			c.tasks.finish(tenant, true)
			return
		}
		if c.tasks.takeRerun(tenant) {
			continue
		}
		more, err := c.needsMore(ctx, tenant, int64(out.restored))
		if err != nil {
			log.WithError(err).Warn("coordinator: re-check after release")
		}
		if more {
			continue
		}
		if c.tasks.finish(tenant, false) {
			return
		}
	}
}

// needsMore reports whether the waiting queue is non-empty or the cache,
// not counting restored turns, reached the batch size.
func (c *Coordinator) needsMore(ctx context.Context, tenant memory.TenantKey, restored int64) (bool, error) {
	waiting, err := c.waiting.Len(ctx, tenant)
	if err != nil {
		return false, err
	}
	if waiting > 0 {
		return true, nil
	}
	size, err := c.cache.Size(ctx, tenant)
	if err != nil {
		return false, err
	}
	return size-restored >= int64(c.BatchSize()), nil
}

// ActiveTasks lists tenants with a registered background processor.
func (c *Coordinator) ActiveTasks() []memory.TenantKey {
	c.tasks.mu.Lock()
	defer c.tasks.mu.Unlock()
	out := make([]memory.TenantKey, 0, len(c.tasks.tasks))
	for k := range c.tasks.tasks {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Wait blocks until no background processor is registered or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.tasks.mu.Lock()
		var done chan struct{}
		for _, tk := range c.tasks.tasks {
			done = tk.done
			break
		}
		c.tasks.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops accepting writes and waits for running processors. When ctx
// expires first, in-flight processors are cancelled and ctx's error returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.tasks.mu.Lock()
	c.tasks.closed = true
	n := len(c.tasks.tasks)
	c.tasks.mu.Unlock()

	c.log.WithField("tasks", n).Debug("coordinator: shutting down")
	err := c.Wait(ctx)
	if err != nil {
		c.log.WithFields(logrus.Fields{"tasks": len(c.ActiveTasks()), "error": err}).Warn("coordinator: shutdown deadline, cancelling processors")
	}
	c.tasks.cancel()
	return err
}
