package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. A nil error acks it; any error nacks it.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerOptions tune a Consumer.
type ConsumerOptions struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

// Consumer runs workers that drain a Queue into a Handler.
type Consumer struct {
	q       *Queue
	handler Handler
	opts    ConsumerOptions
	log     logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a Consumer. Zero options default to one worker, batches
// of ten and a 500ms poll interval.
func NewConsumer(q *Queue, handler Handler, opts ConsumerOptions) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Consumer{q: q, handler: handler, opts: opts, log: q.log}
}

// Run blocks until ctx is cancelled or a worker hits a Redis error.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return c.work(gctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start runs the consumer in the background. It is a no-op when running.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			c.log.WithError(err).Error("queue: consumer stopped")
		}
	}(c.done)
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether Start was called without a matching Stop.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Consumer) work(ctx context.Context, worker int) error {
	log := c.log.WithFields(logrus.Fields{"queue": c.q.String(), "worker": worker})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := c.q.DequeueBatch(ctx, c.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.PollInterval):
			}
			continue
		}
		for _, m := range msgs {
			c.handle(context.WithoutCancel(ctx), log, m)
		}
	}
}

// handle runs the handler on a context detached from shutdown so a message
// that was popped always gets acked or nacked.
func (c *Consumer) handle(ctx context.Context, log logrus.FieldLogger, m *Message) {
	err := c.safeCall(ctx, m)
	if err == nil {
		if _, ackErr := c.q.Ack(ctx, m.ID); ackErr != nil {
			log.WithError(ackErr).WithField("message_id", m.ID).Error("queue: ack failed")
		}
		return
	}
	log.WithError(err).WithField("message_id", m.ID).Warn("queue: handler failed")
	if nackErr := c.q.Nack(ctx, m, err.Error()); nackErr != nil {
		log.WithError(nackErr).WithField("message_id", m.ID).Error("queue: nack failed")
	}
}

func (c *Consumer) safeCall(ctx context.Context, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return c.handler(ctx, m)
}
