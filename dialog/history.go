package dialog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
)

// HistoryStore is a fixed-capacity ring of the most recent turns a backend
// accepted for each tenant. Newest entries sit at the head of the list.
type HistoryStore struct {
	rdb  redis.UniversalClient
	size int
	log  logrus.FieldLogger
}

// NewHistoryStore creates a history ring holding at most size turns per tenant.
func NewHistoryStore(rdb redis.UniversalClient, size int, opts ...Option) *HistoryStore {
	if size <= 0 {
		size = memory.DefaultMaxHistory
	}
	o := buildOptions(opts)
	return &HistoryStore{rdb: rdb, size: size, log: o.logger}
}

// Size returns the ring capacity.
func (h *HistoryStore) Size() int { return h.size }

// Push records turns oldest first and trims the ring.
func (h *HistoryStore) Push(ctx context.Context, tenant memory.TenantKey, turns ...memory.DialogTurn) error {
	if len(turns) == 0 {
		return nil
	}
	key := tenant.HistoryKey()
	vals := make([]any, 0, len(turns))
	for _, t := range turns {
		v, err := memory.EncodeTurn(t)
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}
	_, err := h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, vals...)
		pipe.LTrim(ctx, key, 0, int64(h.size-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("dialog: push history %s: %w", tenant, err)
	}
	return nil
}

// Recent returns up to limit most recent turns in ascending order.
func (h *HistoryStore) Recent(ctx context.Context, tenant memory.TenantKey, limit int) ([]memory.DialogTurn, error) {
	if limit <= 0 || limit > h.size {
		limit = h.size
	}
	raw, err := h.rdb.LRange(ctx, tenant.HistoryKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dialog: read history %s: %w", tenant, err)
	}
	turns := decodeAll(h.log, tenant, raw)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
