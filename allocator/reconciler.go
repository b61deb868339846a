package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flashsale/engine/common/metrics"
	"github.com/flashsale/engine/domain"
)

// Reconciler is the durable expiry layer: a fixed-delay sweep that finds
// overdue RESERVED rows and expires each in its own transaction. The cache
// TTL gives clients fast visible expiry; this sweep is what actually
// returns the units.
type Reconciler struct {
	store     ReconcilerStore
	coord     Coordinator
	events    EventPublisher
	metrics   *metrics.ReservationMetrics
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewReconciler(st ReconcilerStore, coord Coordinator, events EventPublisher, m *metrics.ReservationMetrics, logger *zap.Logger, interval time.Duration, batchSize int) *Reconciler {
	return &Reconciler{
		store:     st,
		coord:     coord,
		events:    events,
		metrics:   m,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run sweeps until the context is cancelled. Fixed delay, not fixed rate:
// the next interval starts after the previous sweep finishes, so a slow
// sweep never stacks up behind itself.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("expiry reconciler started",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reconciler stopping")
			return
		case <-time.After(r.interval):
			r.sweep(ctx)
		}
	}
}

// sweep expires one bounded batch of overdue reservations. Each row gets
// its own transaction, so one poison row cannot wedge the whole sweep, and
// a crash mid-batch leaves the remainder for the next pass.
func (r *Reconciler) sweep(ctx context.Context) {
	overdue, err := r.store.FindExpired(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to scan for expired reservations", zap.Error(err))
		return
	}
	if len(overdue) == 0 {
		return
	}

	expired := 0
	for _, candidate := range overdue {
		res, err := r.store.Expire(ctx, candidate.ReservationID)
		if err != nil {
			r.logger.Error("failed to expire reservation",
				zap.String("reservation_id", candidate.ReservationID),
				zap.Error(err))
			continue
		}
		if res == nil {
			// Lost the race to a confirm or cancel between scan and lock.
			continue
		}

		expired++
		r.metrics.ReservationsExpired.Inc()
		r.applyExpiry(ctx, res)
	}

	if expired > 0 {
		r.logger.Info("expiry sweep completed",
			zap.Int("scanned", len(overdue)),
			zap.Int("expired", expired))
	}
}

// applyExpiry fans out the best-effort side effects after an expiry
// transaction commits.
func (r *Reconciler) applyExpiry(ctx context.Context, res *domain.Reservation) {
	if err := r.coord.IncrStock(ctx, res.SKUID, int64(res.Quantity)); err != nil {
		r.logger.Warn("failed to return units to cached stock",
			zap.String("sku_id", res.SKUID), zap.Error(err))
	}

	if err := r.coord.ClearActiveReservation(ctx, res.UserID, res.SKUID); err != nil {
		r.logger.Warn("failed to clear active-reservation marker",
			zap.String("reservation_id", res.ReservationID), zap.Error(err))
	}

	occurredAt := time.Now().UTC()
	if res.ExpiredAt != nil {
		occurredAt = *res.ExpiredAt
	}
	if err := r.events.Publish(ctx, domain.ReservationEvent{
		Type:          domain.EventExpired,
		ReservationID: res.ReservationID,
		UserID:        res.UserID,
		SKUID:         res.SKUID,
		Quantity:      res.Quantity,
		OccurredAt:    occurredAt,
	}); err != nil {
		r.metrics.EventPublishFailures.Inc()
		r.logger.Warn("failed to publish reservation expired event",
			zap.String("reservation_id", res.ReservationID), zap.Error(err))
	}
}
