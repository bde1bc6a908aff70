package coordinator

import (
	"context"
	"fmt"

	"github.com/creastat/memory"
	"github.com/creastat/memory/queue"
)

// QueuedTurn is the payload written to the ingest queue.
type QueuedTurn struct {
	Tenant memory.TenantKey  `json:"tenant"`
	Turn   memory.DialogTurn `json:"turn"`
}

// QueueForwarder forwards turns to an ingest queue.
type QueueForwarder struct {
	q *queue.Queue
}

// NewQueueForwarder wraps q.
func NewQueueForwarder(q *queue.Queue) *QueueForwarder {
	return &QueueForwarder{q: q}
}

// Forward implements Forwarder.
func (f *QueueForwarder) Forward(ctx context.Context, tenant memory.TenantKey, turn memory.DialogTurn) error {
	_, err := f.q.Enqueue(ctx, QueuedTurn{Tenant: tenant, Turn: turn}, queue.EnqueueOptions{})
	return err
}

var _ Forwarder = (*QueueForwarder)(nil)

// HandleMessage is a queue.Handler that feeds queued turns into the dialog
// cache. Validation failures are returned so the message ends up in the
// failed list instead of being retried silently forever.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *queue.Message) error {
	var qt QueuedTurn
	if err := msg.Decode(&qt); err != nil {
		return fmt.Errorf("coordinator: decode queued turn %s: %w", msg.ID, err)
	}
	direct := false
	return c.Store(ctx, qt.Tenant, qt.Turn, StoreOptions{UseQueue: &direct})
}
