package dialog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
)

// reinjectScript moves the waiting queue to the head of the dialog cache,
// keeping the waiting items in their original order ahead of anything
// appended since.
var reinjectScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
if #items == 0 then
	return 0
end
for i = #items, 1, -1 do
	redis.call("LPUSH", KEYS[2], items[i])
end
redis.call("DEL", KEYS[1])
return #items
`)

// WaitQueue is the per-tenant overflow buffer. Producers never write to it;
// only the coordinator moves turns here while a batch is in flight.
type WaitQueue struct {
	rdb redis.UniversalClient
	log logrus.FieldLogger
}

// NewWaitQueue creates a waiting queue on rdb.
func NewWaitQueue(rdb redis.UniversalClient, opts ...Option) *WaitQueue {
	o := buildOptions(opts)
	return &WaitQueue{rdb: rdb, log: o.logger}
}

// Len returns the number of waiting turns.
func (w *WaitQueue) Len(ctx context.Context, tenant memory.TenantKey) (int64, error) {
	return w.rdb.LLen(ctx, tenant.WaitingKey()).Result()
}

// Drain atomically reads and deletes the waiting queue.
func (w *WaitQueue) Drain(ctx context.Context, tenant memory.TenantKey) ([]memory.DialogTurn, error) {
	raw, err := drainList(ctx, w.rdb, tenant.WaitingKey())
	if err != nil {
		return nil, fmt.Errorf("dialog: drain waiting %s: %w", tenant, err)
	}
	return decodeAll(w.log, tenant, raw), nil
}

// Reinject moves all waiting turns to the head of the dialog cache and
// returns how many were moved.
func (w *WaitQueue) Reinject(ctx context.Context, tenant memory.TenantKey) (int64, error) {
	n, err := reinjectScript.Run(ctx, w.rdb, []string{tenant.WaitingKey(), tenant.DialogCacheKey()}).Int64()
	if err != nil {
		return 0, fmt.Errorf("dialog: reinject %s: %w", tenant, err)
	}
	return n, nil
}
