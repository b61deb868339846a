package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flashsale/engine/common/bus"
	"github.com/flashsale/engine/common/metrics"
)

// Consumer drives the batch loop: fetch, process, acknowledge. A batch is
// acknowledged only after ProcessBatch returns nil, so a crash between
// store commit and commit of offsets replays the batch; idempotency keys
// make the replay a no-op.
type Consumer struct {
	reader          *bus.BatchReader
	deadLetter      *bus.DeadLetter
	allocator       *Allocator
	metrics         *metrics.ReservationMetrics
	logger          *zap.Logger
	poisonThreshold int
	retryDelay      time.Duration
}

func NewConsumer(reader *bus.BatchReader, dl *bus.DeadLetter, alloc *Allocator, m *metrics.ReservationMetrics, logger *zap.Logger, poisonThreshold int) *Consumer {
	return &Consumer{
		reader:          reader,
		deadLetter:      dl,
		allocator:       alloc,
		metrics:         m,
		logger:          logger,
		poisonThreshold: poisonThreshold,
		retryDelay:      200 * time.Millisecond,
	}
}

// Run consumes batches until the context is cancelled. Store failures are
// retried in place with a linear backoff; a batch that keeps failing past
// the poison threshold is parked on the dead-letter topic and acknowledged
// so one broken payload cannot stall the partition.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("allocator consumer started",
		zap.Int("poison_threshold", c.poisonThreshold))

	for {
		batch, err := c.reader.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				c.logger.Info("allocator consumer stopping")
				return nil
			}
			return err
		}

		if err := c.handle(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, batch []bus.Message) error {
	var lastErr error
	for attempt := 1; attempt <= c.poisonThreshold; attempt++ {
		lastErr = c.allocator.ProcessBatch(ctx, batch)
		if lastErr == nil {
			return c.commit(ctx, batch)
		}
		if ctx.Err() != nil {
			// Shutdown mid-retry: leave the batch unacknowledged.
			return ctx.Err()
		}

		c.logger.Warn("batch processing failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(batch)),
			zap.Error(lastErr))

		select {
		case <-time.After(time.Duration(attempt) * c.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Poison batch: park it for inspection, then acknowledge to unblock
	// the partition. If parking fails too we exit without acknowledging so
	// a restart redelivers.
	c.metrics.PoisonBatches.Inc()
	c.logger.Error("parking poison batch on dead-letter topic",
		zap.Int("batch_size", len(batch)),
		zap.Error(lastErr))

	if err := c.deadLetter.Park(ctx, batch, lastErr.Error()); err != nil {
		return errors.Join(lastErr, err)
	}
	return c.commit(ctx, batch)
}

func (c *Consumer) commit(ctx context.Context, batch []bus.Message) error {
	if err := c.reader.Commit(ctx, batch); err != nil {
		// Redelivery after a commit failure is safe, only noisy.
		c.logger.Warn("failed to commit batch offsets", zap.Error(err))
	}
	return nil
}
