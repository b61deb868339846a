package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flashsale/engine/cache"
	"github.com/flashsale/engine/common/bus"
	"github.com/flashsale/engine/common/metrics"
	"github.com/flashsale/engine/domain"
	"github.com/flashsale/engine/store"
)

// Allocator turns consumed request batches into reservation rows. It is
// the single writer for every SKU its partitions cover: all validation and
// allocation for one SKU happens here, sequentially, in arrival order.
type Allocator struct {
	store        AllocatorStore
	coord        Coordinator
	events       EventPublisher
	metrics      *metrics.ReservationMetrics
	logger       *zap.Logger
	holdDuration time.Duration
}

func NewAllocator(st AllocatorStore, coord Coordinator, events EventPublisher, m *metrics.ReservationMetrics, logger *zap.Logger, holdDuration time.Duration) *Allocator {
	return &Allocator{
		store:        st,
		coord:        coord,
		events:       events,
		metrics:      m,
		logger:       logger,
		holdDuration: holdDuration,
	}
}

// rejection pairs a request with the verdict the intake will poll for.
type rejection struct {
	req    domain.ReservationRequest
	reason domain.RejectReason
	msg    string
}

// ProcessBatch runs the full pipeline for one consumed batch: discard
// malformed payloads, group by SKU preserving arrival order, validate each
// group in order, allocate against inventory in one transaction per SKU,
// then fan out the best-effort side effects.
//
// A returned error means a store-side failure before commit; the caller
// must not acknowledge the batch, and redelivery replays it. Replays are
// harmless: idempotency keys already inserted deduplicate on conflict.
func (a *Allocator) ProcessBatch(ctx context.Context, msgs []bus.Message) error {
	start := time.Now()
	a.metrics.BatchSize.Observe(float64(len(msgs)))

	var skuOrder []string
	groups := make(map[string][]domain.ReservationRequest)
	for _, m := range msgs {
		if m.ParseErr != nil {
			a.metrics.ParseErrors.Inc()
			a.logger.Warn("discarding malformed bus payload",
				zap.Int("partition", m.Partition()),
				zap.Int64("offset", m.Offset()),
				zap.Error(m.ParseErr))
			continue
		}
		if _, seen := groups[m.Request.SKUID]; !seen {
			skuOrder = append(skuOrder, m.Request.SKUID)
		}
		groups[m.Request.SKUID] = append(groups[m.Request.SKUID], m.Request)
	}

	for _, sku := range skuOrder {
		if err := a.processSKU(ctx, sku, groups[sku]); err != nil {
			return fmt.Errorf("sku %s: %w", sku, err)
		}
	}

	a.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return nil
}

// processSKU validates one SKU's requests in arrival order, allocates the
// survivors in a single store transaction, and publishes the outcomes.
func (a *Allocator) processSKU(ctx context.Context, sku string, reqs []domain.ReservationRequest) error {
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		keys = append(keys, req.IdempotencyKey)
	}
	existing, err := a.store.ExistingIdempotencyKeys(ctx, keys)
	if err != nil {
		return fmt.Errorf("failed to load existing idempotency keys: %w", err)
	}

	seen := make(map[string]struct{}, len(reqs))
	seenUsers := make(map[string]struct{}, len(reqs))
	var candidates []store.Candidate
	var rejects []rejection

	for _, req := range reqs {
		if req.Quantity != 1 {
			rejects = append(rejects, rejection{req, domain.ReasonInvalidRequest,
				fmt.Sprintf("quantity must be 1, got %d", req.Quantity)})
			continue
		}
		if _, dup := seen[req.IdempotencyKey]; dup {
			rejects = append(rejects, rejection{req, domain.ReasonDuplicateRequest,
				"request already submitted"})
			continue
		}
		if _, dup := existing[req.IdempotencyKey]; dup {
			rejects = append(rejects, rejection{req, domain.ReasonDuplicateRequest,
				"request already processed"})
			continue
		}
		// A fresh client key does not buy a second hold: the store check
		// below cannot see a contender that is still in this batch, so the
		// per-user dedup has to happen here.
		if _, held := seenUsers[req.UserID]; held {
			rejects = append(rejects, rejection{req, domain.ReasonUserActiveReservation,
				"an earlier request for this sku is already in flight"})
			continue
		}

		purchased, err := a.userPurchased(ctx, req.UserID, sku)
		if err != nil {
			return err
		}
		if purchased {
			rejects = append(rejects, rejection{req, domain.ReasonUserAlreadyPurchased,
				"limit is one unit per user"})
			continue
		}

		active, err := a.userHasActiveReservation(ctx, req.UserID, sku)
		if err != nil {
			return err
		}
		if active {
			rejects = append(rejects, rejection{req, domain.ReasonUserActiveReservation,
				"an earlier reservation is still held"})
			continue
		}

		seen[req.IdempotencyKey] = struct{}{}
		seenUsers[req.UserID] = struct{}{}
		candidates = append(candidates, store.Candidate{
			RequestID:      req.RequestID,
			UserID:         req.UserID,
			SKUID:          sku,
			IdempotencyKey: req.IdempotencyKey,
		})
	}

	if len(candidates) > 0 {
		result, err := a.store.AllocateBatch(ctx, sku, candidates, a.holdDuration)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// Unknown SKU: reject every contender rather than loop on
			// redelivery forever.
			for _, c := range candidates {
				rejects = append(rejects, rejection{
					req:    domain.ReservationRequest{RequestID: c.RequestID, UserID: c.UserID, SKUID: sku},
					reason: domain.ReasonInvalidRequest,
					msg:    "unknown sku",
				})
			}
		case err != nil:
			return err
		default:
			a.applyAllocation(ctx, sku, result)
			for _, c := range result.OutOfStock {
				rejects = append(rejects, rejection{
					req:    domain.ReservationRequest{RequestID: c.RequestID, UserID: c.UserID, SKUID: sku},
					reason: domain.ReasonOutOfStock,
					msg:    "sold out",
				})
			}
			for _, c := range result.Duplicates {
				rejects = append(rejects, rejection{
					req:    domain.ReservationRequest{RequestID: c.RequestID, UserID: c.UserID, SKUID: sku},
					reason: domain.ReasonDuplicateRequest,
					msg:    "request already processed",
				})
			}
		}
	}

	for _, rej := range rejects {
		a.metrics.RecordRejection(string(rej.reason))
		if err := a.coord.SetRejection(ctx, rej.req.UserID, sku, domain.Rejection{
			Reason:  rej.reason,
			Message: rej.msg,
		}); err != nil {
			a.logger.Warn("failed to write rejection marker",
				zap.String("user_id", rej.req.UserID),
				zap.String("sku_id", sku),
				zap.String("reason", string(rej.reason)),
				zap.Error(err))
		}
	}

	a.probeOversell(ctx, sku)
	return nil
}

// applyAllocation fans out the post-commit side effects for the winners.
// The store transaction already committed; everything here is advisory and
// only logged on failure.
func (a *Allocator) applyAllocation(ctx context.Context, sku string, result *store.AllocationResult) {
	if len(result.Allocated) == 0 {
		return
	}

	if err := a.coord.DecrStock(ctx, sku, int64(len(result.Allocated))); err != nil {
		a.logger.Warn("failed to decrement cached stock",
			zap.String("sku_id", sku), zap.Error(err))
	}

	for _, r := range result.Allocated {
		a.metrics.ReservationsCreated.Inc()

		if err := a.coord.SetActiveReservation(ctx, r.UserID, sku, r.ReservationID); err != nil {
			a.logger.Warn("failed to set active-reservation marker",
				zap.String("reservation_id", r.ReservationID), zap.Error(err))
		}

		if err := a.events.Publish(ctx, domain.ReservationEvent{
			Type:          domain.EventCreated,
			ReservationID: r.ReservationID,
			UserID:        r.UserID,
			SKUID:         sku,
			Quantity:      r.Quantity,
			OccurredAt:    r.CreatedAt,
		}); err != nil {
			a.metrics.EventPublishFailures.Inc()
			a.logger.Warn("failed to publish reservation created event",
				zap.String("reservation_id", r.ReservationID), zap.Error(err))
		}
	}

	a.logger.Info("batch allocated",
		zap.String("sku_id", sku),
		zap.Int("allocated", len(result.Allocated)),
		zap.Int("out_of_stock", len(result.OutOfStock)),
		zap.Int("duplicates", len(result.Duplicates)),
		zap.Int("inventory_writes", result.InventoryWrites))
}

// userPurchased answers the one-per-user check. The cache is consulted
// first; any miss or cache failure falls through to the store, which is
// authoritative.
func (a *Allocator) userPurchased(ctx context.Context, userID, sku string) (bool, error) {
	hit, err := a.coord.IsUserPurchased(ctx, userID, sku)
	if err != nil {
		a.logger.Warn("purchased-marker lookup failed, falling back to store", zap.Error(err))
	} else if hit {
		a.metrics.CacheHits.Inc()
		return true, nil
	}
	a.metrics.CacheMisses.Inc()

	purchased, err := a.store.HasUserPurchased(ctx, userID, sku)
	if err != nil {
		return false, fmt.Errorf("failed to check user purchase: %w", err)
	}
	return purchased, nil
}

// userHasActiveReservation mirrors userPurchased for the live-hold check.
// A negative cache answer is not trusted: marker writes are best-effort,
// so only the store can say "no hold exists".
func (a *Allocator) userHasActiveReservation(ctx context.Context, userID, sku string) (bool, error) {
	id, err := a.coord.GetActiveReservation(ctx, userID, sku)
	if err != nil {
		a.logger.Warn("active-reservation lookup failed, falling back to store", zap.Error(err))
	} else if id != "" {
		a.metrics.CacheHits.Inc()
		return true, nil
	}
	a.metrics.CacheMisses.Inc()

	res, err := a.store.GetActiveReservation(ctx, userID, sku)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("failed to check active reservation: %w", err)
	}
	return res != nil, nil
}

// probeOversell re-reads the counter row after the batch and alarms when
// reserved+sold exceeds total. Detection only; the conditional update is
// what prevents this from ever firing.
func (a *Allocator) probeOversell(ctx context.Context, sku string) {
	delta, err := a.store.OversellDelta(ctx, sku)
	if err != nil {
		a.logger.Warn("oversell probe failed", zap.String("sku_id", sku), zap.Error(err))
		return
	}
	if delta > 0 {
		a.metrics.OversellAlarms.Inc()
		a.logger.Error("CRITICAL: oversell detected",
			zap.String("sku_id", sku),
			zap.Int64("delta", delta))
	}
}

var (
	_ Coordinator     = (*cache.Cache)(nil)
	_ AllocatorStore  = (*store.Store)(nil)
	_ ReconcilerStore = (*store.Store)(nil)
)
