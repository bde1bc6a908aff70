package gacha

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// takeScript decrements one card's remaining stock. It returns the new
// remaining count, -1 when the card has no entry and -2 when it is sold out.
var takeScript = redis.NewScript(`
local left = redis.call("HGET", KEYS[1], ARGV[1])
if not left then
	return -1
end
if tonumber(left) <= 0 then
	redis.call("SADD", KEYS[2], ARGV[1])
	return -2
end
left = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if left == 0 then
	redis.call("SADD", KEYS[2], ARGV[1])
end
return left
`)

// StockLedger tracks limited cards across all players of a box.
type StockLedger struct {
	rdb redis.UniversalClient
}

// NewStockLedger creates a ledger on rdb.
func NewStockLedger(rdb redis.UniversalClient) *StockLedger {
	return &StockLedger{rdb: rdb}
}

func stockKey(boxID string) string   { return "gacha:stock:" + boxID }
func soldOutKey(boxID string) string { return "gacha:sold_out:" + boxID }

// Ensure creates stock entries for limited cards that have none yet.
// Existing counts are left untouched.
func (l *StockLedger) Ensure(ctx context.Context, boxID string, cards []Card) error {
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range cards {
			if c.Limited {
				pipe.HSetNX(ctx, stockKey(boxID), c.ID, c.LimitedCount)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gacha: ensure stock %s: %w", boxID, err)
	}
	return nil
}

// SetStock overwrites the remaining count of a card.
func (l *StockLedger) SetStock(ctx context.Context, boxID, cardID string, n int) error {
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, stockKey(boxID), cardID, n)
		if n > 0 {
			pipe.SRem(ctx, soldOutKey(boxID), cardID)
		} else {
			pipe.SAdd(ctx, soldOutKey(boxID), cardID)
		}
		return nil
	})
	return err
}

// Take atomically removes one unit of stock and returns what is left.
func (l *StockLedger) Take(ctx context.Context, boxID, cardID string) (int64, error) {
	n, err := takeScript.Run(ctx, l.rdb, []string{stockKey(boxID), soldOutKey(boxID)}, cardID).Int64()
	if err != nil {
		return 0, fmt.Errorf("gacha: take %s/%s: %w", boxID, cardID, err)
	}
	switch n {
	case -1:
		return 0, ErrStockUnknown
	case -2:
		return 0, ErrSoldOut
	}
	return n, nil
}

// Remaining returns the remaining stock of a card.
func (l *StockLedger) Remaining(ctx context.Context, boxID, cardID string) (int64, error) {
	n, err := l.rdb.HGet(ctx, stockKey(boxID), cardID).Int64()
	if err == redis.Nil {
		return 0, ErrStockUnknown
	}
	return n, err
}

// SoldOut returns the sold-out card ids of a box.
func (l *StockLedger) SoldOut(ctx context.Context, boxID string) (map[string]struct{}, error) {
	ids, err := l.rdb.SMembers(ctx, soldOutKey(boxID)).Result()
	if err != nil {
		return nil, fmt.Errorf("gacha: sold out %s: %w", boxID, err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
