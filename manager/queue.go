package manager

import (
	"context"
	"errors"

	"github.com/creastat/memory/queue"
)

// ErrNoQueue is returned by StartQueueConsumer without WithQueue.
var ErrNoQueue = errors.New("manager: ingest queue not configured")

// QueueStatus is a snapshot of the write path.
type QueueStatus struct {
	Level           string      `json:"level" yaml:"level"`
	Backend         string      `json:"backend" yaml:"backend"`
	BatchSize       int         `json:"batch_size" yaml:"batch_size"`
	ActiveTasks     int         `json:"active_tasks" yaml:"active_tasks"`
	QueueEnabled    bool        `json:"queue_enabled" yaml:"queue_enabled"`
	ConsumerRunning bool        `json:"consumer_running" yaml:"consumer_running"`
	Queue           queue.Stats `json:"queue" yaml:"queue"`
	Error           string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// QueueStatus reports tier, batch size, running processors and, when the
// ingest queue is enabled, its sizes.
func (m *Manager) QueueStatus(ctx context.Context) QueueStatus {
	st := QueueStatus{
		Level:       m.ActiveLevel().String(),
		Backend:     m.Backend().Name(),
		BatchSize:   m.coord.BatchSize(),
		ActiveTasks: len(m.coord.ActiveTasks()),
	}
	if m.queue == nil {
		return st
	}
	st.QueueEnabled = true
	m.mu.RLock()
	st.ConsumerRunning = m.consumer != nil && m.consumer.Running()
	m.mu.RUnlock()
	qs, err := m.queue.Stats(ctx)
	if err != nil {
		m.log.WithError(err).Warn("manager: queue stats")
		st.Error = err.Error()
		return st
	}
	st.Queue = qs
	return st
}

// StartQueueConsumer drains the ingest queue into the coordinator in the
// background and starts the maintenance job that promotes delayed messages
// and recovers timed out ones.
func (m *Manager) StartQueueConsumer(ctx context.Context) error {
	if m.queue == nil {
		return ErrNoQueue
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumer == nil {
		m.consumer = queue.NewConsumer(m.queue, m.coord.HandleMessage, m.cfg.Consumer)
	}
	if m.maintainer == nil {
		m.maintainer = queue.NewMaintainer(m.queue, m.cfg.MaintenanceInterval)
		if err := m.maintainer.Start(); err != nil {
			m.maintainer = nil
			return err
		}
	}
	m.consumer.Start(ctx)
	return nil
}

// StopQueueConsumer stops the consumer and the maintenance job and waits for
// in-flight messages.
func (m *Manager) StopQueueConsumer() {
	m.mu.Lock()
	c, mt := m.consumer, m.maintainer
	m.maintainer = nil
	m.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	if mt != nil {
		mt.Stop()
	}
}
