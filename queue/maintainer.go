package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Maintainer periodically promotes delayed messages and reclaims timed-out
// in-flight messages.
type Maintainer struct {
	q        *Queue
	cron     *cron.Cron
	interval time.Duration
	log      logrus.FieldLogger
}

// NewMaintainer creates a Maintainer running every interval (default 1s).
func NewMaintainer(q *Queue, interval time.Duration) *Maintainer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Maintainer{
		q:        q,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		interval: interval,
		log:      q.log,
	}
}

// Start schedules the maintenance job.
func (m *Maintainer) Start() error {
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		m.Tick(context.Background())
	})
	if err != nil {
		return fmt.Errorf("queue: schedule maintenance: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running tick.
func (m *Maintainer) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Tick runs one maintenance pass.
func (m *Maintainer) Tick(ctx context.Context) {
	log := m.log.WithField("queue", m.q.String())
	promoted, err := m.q.PromoteDelayed(ctx)
	if err != nil {
		log.WithError(err).Error("queue: promote delayed failed")
	}
	swept, err := m.q.SweepTimeouts(ctx)
	if err != nil {
		log.WithError(err).Error("queue: timeout sweep failed")
	}
	if promoted > 0 || swept > 0 {
		log.WithFields(logrus.Fields{"promoted": promoted, "swept": swept}).Debug("queue: maintenance")
	}
}
