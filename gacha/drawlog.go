package gacha

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DrawRecord is one persisted draw. Seq is 1-based per user and box.
type DrawRecord struct {
	UserID       string    `json:"user_id" yaml:"user_id"`
	BoxID        string    `json:"blind_box_id" yaml:"blind_box_id"`
	CardID       string    `json:"card_id" yaml:"card_id"`
	Rarity       int       `json:"rarity" yaml:"rarity"`
	IsGuaranteed bool      `json:"is_guaranteed" yaml:"is_guaranteed"`
	Seq          int       `json:"seq" yaml:"seq"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// DrawLog stores each player's draws per box as a Redis list.
type DrawLog struct {
	rdb redis.UniversalClient
	log logrus.FieldLogger
}

// NewDrawLog creates a draw log on rdb.
func NewDrawLog(rdb redis.UniversalClient, log logrus.FieldLogger) *DrawLog {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DrawLog{rdb: rdb, log: log}
}

func drawKey(userID, boxID string) string {
	return "gacha:draws:" + userID + ":" + boxID
}

// Count returns how many draws the player made from the box.
func (d *DrawLog) Count(ctx context.Context, userID, boxID string) (int, error) {
	n, err := d.rdb.LLen(ctx, drawKey(userID, boxID)).Result()
	if err != nil {
		return 0, fmt.Errorf("gacha: count draws: %w", err)
	}
	return int(n), nil
}

// Append records a draw.
func (d *DrawLog) Append(ctx context.Context, rec DrawRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := d.rdb.RPush(ctx, drawKey(rec.UserID, rec.BoxID), b).Err(); err != nil {
		return fmt.Errorf("gacha: append draw: %w", err)
	}
	return nil
}

// List returns the player's draws oldest first. Corrupt entries are skipped.
func (d *DrawLog) List(ctx context.Context, userID, boxID string) ([]DrawRecord, error) {
	raw, err := d.rdb.LRange(ctx, drawKey(userID, boxID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("gacha: list draws: %w", err)
	}
	out := make([]DrawRecord, 0, len(raw))
	for i, s := range raw {
		var rec DrawRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			d.log.WithFields(logrus.Fields{"user_id": userID, "box_id": boxID, "index": i, "error": err}).Warn("gacha: skipping corrupt draw record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
