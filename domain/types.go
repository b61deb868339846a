package domain

import "time"

// ReservationStatus is the lifecycle state of a reservation.
// Transitions: RESERVED -> CONFIRMED | EXPIRED | CANCELLED. The three
// right-hand states are terminal.
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "RESERVED"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusExpired   ReservationStatus = "EXPIRED"
	StatusCancelled ReservationStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusCancelled
}

// OrderStatus tracks the order entity created on checkout.
type OrderStatus string

const (
	OrderPaymentPending OrderStatus = "PAYMENT_PENDING"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderFulfilled      OrderStatus = "FULFILLED"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderPaymentFailed  OrderStatus = "PAYMENT_FAILED"
)

// Product is read-mostly reference data, immutable during the sale window.
type Product struct {
	SKUID          string `json:"sku_id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	BasePrice      int64  `json:"base_price"`
	SalePrice      int64  `json:"sale_price"`
	TotalInventory int64  `json:"total_inventory"`
	Active         bool   `json:"active"`
	EventID        string `json:"event_id"`
}

// Inventory is the canonical per-SKU counter row.
//
// Invariant: ReservedCount + SoldCount <= TotalCount at every commit
// boundary. AvailableCount is stored for indexed queries but recomputed
// on every write.
type Inventory struct {
	SKUID          string    `json:"sku_id"`
	TotalCount     int64     `json:"total_count"`
	ReservedCount  int64     `json:"reserved_count"`
	SoldCount      int64     `json:"sold_count"`
	AvailableCount int64     `json:"available_count"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Reservation is a time-bounded hold of one unit for a user on a SKU.
type Reservation struct {
	ReservationID  string            `json:"reservation_id"`
	UserID         string            `json:"user_id"`
	SKUID          string            `json:"sku_id"`
	Quantity       int               `json:"quantity"`
	Status         ReservationStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty"`
	ExpiredAt      *time.Time        `json:"expired_at,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
}

// Order couples a confirmed reservation to the fulfillment workflow.
type Order struct {
	OrderID              string      `json:"order_id"`
	ReservationID        string      `json:"reservation_id"`
	UserID               string      `json:"user_id"`
	SKUID                string      `json:"sku_id"`
	Status               OrderStatus `json:"status"`
	PaymentTransactionID string      `json:"payment_transaction_id"`
	PaymentMethod        string      `json:"payment_method"`
	ShippingAddress      string      `json:"shipping_address"`
	CreatedAt            time.Time   `json:"created_at"`
}

// UserPurchase enforces the one-unit-per-(user, SKU) rule. Created on
// confirmation, never deleted while the sale is active.
type UserPurchase struct {
	UserID        string    `json:"user_id"`
	SKUID         string    `json:"sku_id"`
	OrderID       string    `json:"order_id"`
	ReservationID string    `json:"reservation_id"`
	PurchasedAt   time.Time `json:"purchased_at"`
}

// Availability is the read-path view of a SKU's stock.
type Availability struct {
	SKUID          string `json:"sku_id"`
	AvailableCount int64  `json:"available"`
	TotalCount     int64  `json:"total"`
	Active         bool   `json:"active"`
}
