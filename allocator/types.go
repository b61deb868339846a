package main

import (
	"context"
	"time"

	"github.com/flashsale/engine/domain"
	"github.com/flashsale/engine/store"
)

// AllocatorStore is the slice of the store the allocation pipeline needs.
type AllocatorStore interface {
	ExistingIdempotencyKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
	HasUserPurchased(ctx context.Context, userID, skuID string) (bool, error)
	GetActiveReservation(ctx context.Context, userID, skuID string) (*domain.Reservation, error)
	AllocateBatch(ctx context.Context, skuID string, candidates []store.Candidate, holdDuration time.Duration) (*store.AllocationResult, error)
	OversellDelta(ctx context.Context, skuID string) (int64, error)
}

// ReconcilerStore is the slice of the store the expiry sweep needs.
type ReconcilerStore interface {
	FindExpired(ctx context.Context, limit int) ([]*domain.Reservation, error)
	Expire(ctx context.Context, reservationID string) (*domain.Reservation, error)
}

// Coordinator is the slice of the coordination cache the write side
// touches. Every call is best-effort: the store commit already stands when
// these run, and validation falls open to the store on cache failure.
type Coordinator interface {
	IsUserPurchased(ctx context.Context, userID, skuID string) (bool, error)
	GetActiveReservation(ctx context.Context, userID, skuID string) (string, error)
	SetActiveReservation(ctx context.Context, userID, skuID, reservationID string) error
	ClearActiveReservation(ctx context.Context, userID, skuID string) error
	DecrStock(ctx context.Context, skuID string, n int64) error
	IncrStock(ctx context.Context, skuID string, n int64) error
	SetRejection(ctx context.Context, userID, skuID string, rej domain.Rejection) error
}

// EventPublisher emits reservation lifecycle events on the event stream.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.ReservationEvent) error
}
