package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReservationRequest is the payload published on the reservation-requests
// topic, keyed by SKU so all contenders for one SKU land on one partition.
type ReservationRequest struct {
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	SKUID          string    `json:"sku_id"`
	Quantity       int       `json:"quantity"`
	IdempotencyKey string    `json:"idempotency_key"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Event types published on the reservation-events stream.
const (
	EventCreated   = "Created"
	EventConfirmed = "Confirmed"
	EventExpired   = "Expired"
	EventCancelled = "Cancelled"
)

// ReservationEvent is the lifecycle event payload. Delivery is
// at-least-once; consumers must be idempotent on ReservationID+Type.
type ReservationEvent struct {
	Type          string    `json:"type"`
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	SKUID         string    `json:"sku_id"`
	Quantity      int       `json:"quantity"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// idempotencyNamespace pins key synthesis so the same (user, sku, nonce)
// always hashes to the same key across processes and retries.
var idempotencyNamespace = uuid.MustParse("8a4c1e2d-52f0-4b8a-9c41-7d1f30a6e9b2")

// IdempotencyKey derives a stable key from caller-provided fields. With an
// empty nonce the sale is one-shot per (user, SKU): every retry shares the
// key and deduplicates.
func IdempotencyKey(userID, skuID, nonce string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(userID+"|"+skuID+"|"+nonce)).String()
}
