package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashsale/engine/common/metrics"
	"github.com/flashsale/engine/domain"
	"github.com/flashsale/engine/store"
)

// GatewayStore is the slice of the store the request-facing side needs.
type GatewayStore interface {
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	GetReservationByKey(ctx context.Context, idempotencyKey string) (*domain.Reservation, error)
	HasUserPurchased(ctx context.Context, userID, skuID string) (bool, error)
	GetInventory(ctx context.Context, skuID string) (*domain.Inventory, error)
	GetProduct(ctx context.Context, skuID string) (*domain.Product, error)
	Confirm(ctx context.Context, reservationID string, in store.ConfirmInput) (*domain.Order, *domain.Reservation, error)
	Cancel(ctx context.Context, reservationID string) (*domain.Reservation, error)
	GetOrderByReservation(ctx context.Context, reservationID string) (*domain.Order, error)
}

// GatewayCache is the slice of the coordination cache the gateway touches.
// Reads are fast paths and fall open on error; writes are best-effort.
type GatewayCache interface {
	GetStock(ctx context.Context, skuID string) (int64, bool, error)
	SeedStock(ctx context.Context, skuID string, count int64) error
	IncrStock(ctx context.Context, skuID string, n int64) error
	GetProduct(ctx context.Context, skuID string) (*domain.Product, error)
	SetProduct(ctx context.Context, p *domain.Product) error
	IsUserPurchased(ctx context.Context, userID, skuID string) (bool, error)
	MarkUserPurchased(ctx context.Context, userID, skuID string) error
	GetActiveReservation(ctx context.Context, userID, skuID string) (string, error)
	ClearActiveReservation(ctx context.Context, userID, skuID string) error
	GetRejection(ctx context.Context, userID, skuID string) (domain.Rejection, bool, error)
	ClearRejection(ctx context.Context, userID, skuID string) error
}

// RequestPublisher enqueues reservation requests on the partitioned bus.
type RequestPublisher interface {
	Publish(ctx context.Context, req domain.ReservationRequest) error
}

// EventPublisher emits reservation lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.ReservationEvent) error
}

// Outcome classifies the intake verdict for a submitted request.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomePending
)

// SubmitInput is the caller-facing reservation request.
type SubmitInput struct {
	UserID         string `json:"user_id"`
	SKUID          string `json:"sku_id"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitResult is the intake verdict. Reservation is set for Accepted,
// Rejection for Rejected; Pending carries only the request id to poll with.
type SubmitResult struct {
	Outcome     Outcome
	RequestID   string
	Reservation *domain.Reservation
	Rejection   domain.Rejection
}

// ReservationService is the gateway's application surface. The telemetry
// middleware decorates it.
type ReservationService interface {
	Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	CancelReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	Checkout(ctx context.Context, in CheckoutInput) (*domain.Order, error)
	GetOrder(ctx context.Context, reservationID string) (*domain.Order, error)
	Availability(ctx context.Context, skuID string) (*domain.Availability, error)
}

// Service is the gateway's application layer: synchronous intake over the
// asynchronous allocation pipeline, plus the read and checkout paths.
type Service struct {
	store          GatewayStore
	cache          GatewayCache
	bus            RequestPublisher
	events         EventPublisher
	metrics        *metrics.ReservationMetrics
	logger         *zap.Logger
	intakeDeadline time.Duration
	pollInterval   time.Duration
}

func NewService(st GatewayStore, c GatewayCache, b RequestPublisher, ev EventPublisher, m *metrics.ReservationMetrics, logger *zap.Logger, intakeDeadline time.Duration) *Service {
	return &Service{
		store:          st,
		cache:          c,
		bus:            b,
		events:         ev,
		metrics:        m,
		logger:         logger,
		intakeDeadline: intakeDeadline,
		pollInterval:   50 * time.Millisecond,
	}
}

// Submit validates and enqueues a reservation request, then polls for the
// allocator's verdict until the intake deadline. Requests that miss the
// deadline return Pending; the caller retries with the same idempotency key
// and the key deduplicates.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.UserID == "" || in.SKUID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity != 1 {
		return nil, fmt.Errorf("quantity must be 1: %w", domain.ErrInvalidRequest)
	}

	key := in.IdempotencyKey
	if key == "" {
		// One-shot per (user, sku): retries without a key still deduplicate.
		key = domain.IdempotencyKey(in.UserID, in.SKUID, "")
	}

	// Idempotent resubmission: a reservation under this key already exists,
	// return it instead of re-enqueueing.
	if existing, err := s.store.GetReservationByKey(ctx, key); err == nil {
		return &SubmitResult{Outcome: OutcomeAccepted, RequestID: existing.ReservationID, Reservation: viewOf(existing)}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if rej, ok := s.fastReject(ctx, in); ok {
		s.metrics.RecordRejection(string(rej.Reason))
		return &SubmitResult{Outcome: OutcomeRejected, Rejection: rej}, nil
	}

	// A stale verdict from an earlier attempt must not answer this one.
	if err := s.cache.ClearRejection(ctx, in.UserID, in.SKUID); err != nil {
		s.logger.Warn("failed to clear stale rejection marker", zap.Error(err))
	}

	req := domain.ReservationRequest{
		RequestID:      uuid.New().String(),
		UserID:         in.UserID,
		SKUID:          in.SKUID,
		Quantity:       in.Quantity,
		IdempotencyKey: key,
		SubmittedAt:    time.Now().UTC(),
	}

	if err := s.bus.Publish(ctx, req); err != nil {
		s.logger.Error("failed to publish reservation request", zap.Error(err))
		return nil, fmt.Errorf("request bus unavailable: %w", domain.ErrUnavailable)
	}

	return s.awaitVerdict(ctx, req)
}

// fastReject runs the cache-only pre-checks. These only ever short-circuit
// with an answer the allocator would also give; any cache failure falls
// open and lets the request through to authoritative validation.
func (s *Service) fastReject(ctx context.Context, in SubmitInput) (domain.Rejection, bool) {
	purchased, err := s.cache.IsUserPurchased(ctx, in.UserID, in.SKUID)
	if err != nil {
		s.logger.Warn("purchased fast-path check failed", zap.Error(err))
	} else if purchased {
		return domain.Rejection{Reason: domain.ReasonUserAlreadyPurchased, Message: "limit is one unit per user"}, true
	}

	active, err := s.cache.GetActiveReservation(ctx, in.UserID, in.SKUID)
	if err != nil {
		s.logger.Warn("active-reservation fast-path check failed", zap.Error(err))
	} else if active != "" {
		return domain.Rejection{Reason: domain.ReasonUserActiveReservation, Message: "an earlier reservation is still held"}, true
	}

	stock, hit, err := s.cache.GetStock(ctx, in.SKUID)
	if err != nil {
		s.logger.Warn("stock fast-path check failed", zap.Error(err))
	} else if hit && stock <= 0 {
		return domain.Rejection{Reason: domain.ReasonOutOfStock, Message: "sold out"}, true
	}

	return domain.Rejection{}, false
}

// awaitVerdict polls the store for the created reservation and the cache
// for a rejection marker until the intake deadline.
func (s *Service) awaitVerdict(ctx context.Context, req domain.ReservationRequest) (*SubmitResult, error) {
	deadline := time.NewTimer(s.intakeDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			// Still in flight. The request is durably on the bus; the
			// caller polls or retries with the same key.
			return &SubmitResult{Outcome: OutcomePending, RequestID: req.RequestID}, nil
		case <-tick.C:
			res, err := s.store.GetReservationByKey(ctx, req.IdempotencyKey)
			if err == nil {
				return &SubmitResult{Outcome: OutcomeAccepted, RequestID: req.RequestID, Reservation: viewOf(res)}, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("verdict poll failed", zap.Error(err))
				continue
			}

			rej, ok, err := s.cache.GetRejection(ctx, req.UserID, req.SKUID)
			if err != nil {
				s.logger.Warn("rejection poll failed", zap.Error(err))
				continue
			}
			if ok {
				if err := s.cache.ClearRejection(ctx, req.UserID, req.SKUID); err != nil {
					s.logger.Warn("failed to clear consumed rejection marker", zap.Error(err))
				}
				return &SubmitResult{Outcome: OutcomeRejected, RequestID: req.RequestID, Rejection: rej}, nil
			}
		}
	}
}

// GetReservation returns the reservation with lapsed holds presented as
// EXPIRED even before the reconciler sweeps the row.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return viewOf(res), nil
}

// viewOf masks the sweep lag: a RESERVED row past its deadline reads as
// EXPIRED. The store row is untouched; the reconciler owns the transition.
func viewOf(res *domain.Reservation) *domain.Reservation {
	if res.Status == domain.StatusReserved && !time.Now().UTC().Before(res.ExpiresAt) {
		view := *res
		view.Status = domain.StatusExpired
		return &view
	}
	return res
}

// CheckoutInput couples confirmation to the payment fields.
type CheckoutInput struct {
	ReservationID        string `json:"reservation_id"`
	PaymentTransactionID string `json:"payment_transaction_id"`
	PaymentMethod        string `json:"payment_method"`
	ShippingAddress      string `json:"shipping_address"`
}

// Checkout confirms a reservation and creates the order. The store
// transaction decides the race against expiry; everything after the commit
// is best-effort fan-out.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*domain.Order, error) {
	if in.ReservationID == "" {
		return nil, domain.ErrInvalidRequest
	}

	order, res, err := s.store.Confirm(ctx, in.ReservationID, store.ConfirmInput{
		PaymentTransactionID: in.PaymentTransactionID,
		PaymentMethod:        in.PaymentMethod,
		ShippingAddress:      in.ShippingAddress,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ReservationsConfirmed.Inc()

	if err := s.cache.MarkUserPurchased(ctx, res.UserID, res.SKUID); err != nil {
		s.logger.Warn("failed to set purchased marker", zap.Error(err))
	}
	if err := s.cache.ClearActiveReservation(ctx, res.UserID, res.SKUID); err != nil {
		s.logger.Warn("failed to clear active-reservation marker", zap.Error(err))
	}
	s.publishEvent(ctx, domain.EventConfirmed, res)

	return order, nil
}

// CancelReservation voluntarily releases a hold before it expires.
func (s *Service) CancelReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	res, err := s.store.Cancel(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	s.metrics.ReservationsCancelled.Inc()

	if err := s.cache.IncrStock(ctx, res.SKUID, int64(res.Quantity)); err != nil {
		s.logger.Warn("failed to return units to cached stock", zap.Error(err))
	}
	if err := s.cache.ClearActiveReservation(ctx, res.UserID, res.SKUID); err != nil {
		s.logger.Warn("failed to clear active-reservation marker", zap.Error(err))
	}
	s.publishEvent(ctx, domain.EventCancelled, res)

	return res, nil
}

// Availability serves the approximate read path: cached counter first,
// canonical row on a miss, reseeding the cache on the way out.
func (s *Service) Availability(ctx context.Context, skuID string) (*domain.Availability, error) {
	product, err := s.product(ctx, skuID)
	if err != nil {
		return nil, err
	}

	stock, hit, err := s.cache.GetStock(ctx, skuID)
	if err != nil {
		s.logger.Warn("cached stock read failed", zap.Error(err))
	} else if hit {
		s.metrics.CacheHits.Inc()
		return availabilityView(product, stock), nil
	}
	s.metrics.CacheMisses.Inc()

	inv, err := s.store.GetInventory(ctx, skuID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SeedStock(ctx, skuID, inv.AvailableCount); err != nil {
		s.logger.Warn("failed to reseed stock counter", zap.Error(err))
	}

	return availabilityView(product, inv.AvailableCount), nil
}

func availabilityView(p *domain.Product, available int64) *domain.Availability {
	if available < 0 {
		available = 0
	}
	return &domain.Availability{
		SKUID:          p.SKUID,
		AvailableCount: available,
		TotalCount:     p.TotalInventory,
		Active:         p.Active,
	}
}

// product is cache-aside over the read-mostly product record.
func (s *Service) product(ctx context.Context, skuID string) (*domain.Product, error) {
	p, err := s.cache.GetProduct(ctx, skuID)
	if err != nil {
		s.logger.Warn("cached product read failed", zap.Error(err))
	} else if p != nil {
		return p, nil
	}

	p, err = s.store.GetProduct(ctx, skuID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetProduct(ctx, p); err != nil {
		s.logger.Warn("failed to cache product", zap.Error(err))
	}
	return p, nil
}

// GetOrder returns the order created for a confirmed reservation.
func (s *Service) GetOrder(ctx context.Context, reservationID string) (*domain.Order, error) {
	return s.store.GetOrderByReservation(ctx, reservationID)
}

func (s *Service) publishEvent(ctx context.Context, eventType string, res *domain.Reservation) {
	if err := s.events.Publish(ctx, domain.ReservationEvent{
		Type:          eventType,
		ReservationID: res.ReservationID,
		UserID:        res.UserID,
		SKUID:         res.SKUID,
		Quantity:      res.Quantity,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		s.metrics.EventPublishFailures.Inc()
		s.logger.Warn("failed to publish reservation event",
			zap.String("type", eventType),
			zap.String("reservation_id", res.ReservationID),
			zap.Error(err))
	}
}
