package gacha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory/redislock"
)

// drawLockTTL bounds one draw of one player from one box.
const drawLockTTL = 5 * time.Second

// Machine performs persisted draws: it serializes a player's draws per box,
// consults the draw log for pity and takes limited stock atomically.
type Machine struct {
	engine *Engine
	rules  RuleConfig
	stock  *StockLedger
	draws  *DrawLog
	locks  *redislock.Client
	log    logrus.FieldLogger
	now    func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger sets the logger.
func WithMachineLogger(l logrus.FieldLogger) MachineOption {
	return func(m *Machine) { m.log = l }
}

// WithMachineClock overrides the time source.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine applying rules with engine.
func NewMachine(rdb redis.UniversalClient, engine *Engine, rules RuleConfig, opts ...MachineOption) *Machine {
	m := &Machine{
		engine: engine,
		rules:  rules,
		stock:  NewStockLedger(rdb),
		locks:  redislock.New(rdb, redislock.WithRetries(20), redislock.WithRetryDelay(10*time.Millisecond)),
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.draws = NewDrawLog(rdb, m.log)
	return m
}

// Stock exposes the limited stock ledger.
func (m *Machine) Stock() *StockLedger { return m.stock }

// Draws exposes the draw log.
func (m *Machine) Draws() *DrawLog { return m.draws }

// Draw performs one draw for userID from boxID. A limited card that sells out
// between sampling and taking stock is excluded and the draw is resampled.
func (m *Machine) Draw(ctx context.Context, userID, boxID string, cards []Card) (DrawRecord, error) {
	lock, err := m.locks.Acquire(ctx, "gacha:draw_lock:"+userID+":"+boxID, drawLockTTL)
	if err != nil {
		return DrawRecord{}, fmt.Errorf("gacha: lock draw: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.log.WithError(err).Warn("gacha: release draw lock")
		}
	}()

	if err := m.stock.Ensure(ctx, boxID, cards); err != nil {
		return DrawRecord{}, err
	}
	total, err := m.draws.Count(ctx, userID, boxID)
	if err != nil {
		return DrawRecord{}, err
	}
	soldOut, err := m.stock.SoldOut(ctx, boxID)
	if err != nil {
		return DrawRecord{}, err
	}

	for attempt := 0; attempt <= len(cards); attempt++ {
		card, guaranteed, err := m.engine.Pick(cards, m.rules, soldOut, total)
		if err != nil {
			return DrawRecord{}, err
		}
		if card.Limited {
			left, err := m.stock.Take(ctx, boxID, card.ID)
			if errors.Is(err, ErrSoldOut) {
				soldOut[card.ID] = struct{}{}
				continue
			}
			if err != nil {
				return DrawRecord{}, err
			}
			if left == 0 {
				m.log.WithFields(logrus.Fields{"box_id": boxID, "card_id": card.ID}).Info("gacha: limited card sold out")
			}
		}
		rec := DrawRecord{
			UserID:       userID,
			BoxID:        boxID,
			CardID:       card.ID,
			Rarity:       card.Rarity,
			IsGuaranteed: guaranteed,
			Seq:          total + 1,
			CreatedAt:    m.now(),
		}
		if err := m.draws.Append(ctx, rec); err != nil {
			return DrawRecord{}, err
		}
		return rec, nil
	}
	return DrawRecord{}, ErrTooManyTrials
}
