package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flashsale/engine/domain"
)

// uniqueViolation is the Postgres error code for unique-constraint hits.
const uniqueViolation = "23505"

// ConfirmInput carries the checkout fields coupled to confirmation.
type ConfirmInput struct {
	PaymentTransactionID string
	PaymentMethod        string
	ShippingAddress      string
}

// Confirm transitions RESERVED -> CONFIRMED, converts the held unit to
// sold, records the user purchase and creates the order, all in one
// transaction. The row lock on the reservation serializes confirm against
// the expiry sweep: exactly one of them prevails.
func (s *Store) Confirm(ctx context.Context, reservationID string, in ConfirmInput) (*domain.Order, *domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE reservation_id = $1 FOR UPDATE`
	r, err := scanReservation(tx.QueryRowContext(ctx, query, reservationID))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	switch {
	case r.Status == domain.StatusExpired:
		return nil, nil, domain.ErrReservationExpired
	case r.Status != domain.StatusReserved:
		return nil, nil, domain.ErrInvalidState
	case !now.Before(r.ExpiresAt):
		// Past deadline but not yet swept; the reconciler will release
		// the unit, checkout must not consume it.
		return nil, nil, domain.ErrReservationExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'CONFIRMED', confirmed_at = $1 WHERE reservation_id = $2`,
		now, reservationID,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to confirm reservation: %w", err)
	}

	if err := convertReservedToSold(ctx, tx, r.SKUID); err != nil {
		return nil, nil, err
	}

	order := &domain.Order{
		OrderID:              uuid.New().String(),
		ReservationID:        r.ReservationID,
		UserID:               r.UserID,
		SKUID:                r.SKUID,
		Status:               domain.OrderConfirmed,
		PaymentTransactionID: in.PaymentTransactionID,
		PaymentMethod:        in.PaymentMethod,
		ShippingAddress:      in.ShippingAddress,
		CreatedAt:            now,
	}

	// Belt and suspenders for the one-per-user rule: the unique key turns
	// any race the validation missed into a clean rejection.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_purchase_tracking (user_id, sku_id, order_id, reservation_id, purchased_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.UserID, r.SKUID, order.OrderID, r.ReservationID, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, nil, domain.ErrUserAlreadyPurchased
		}
		return nil, nil, fmt.Errorf("failed to record user purchase: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
		(order_id, reservation_id, user_id, sku_id, status, payment_transaction_id, payment_method, shipping_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.OrderID, order.ReservationID, order.UserID, order.SKUID,
		order.Status, order.PaymentTransactionID, order.PaymentMethod, order.ShippingAddress, order.CreatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit confirmation transaction: %w", err)
	}

	confirmed := *r
	confirmed.Status = domain.StatusConfirmed
	confirmed.ConfirmedAt = &now

	return order, &confirmed, nil
}

// Cancel transitions RESERVED -> CANCELLED and releases the held unit.
// Cancelling a CONFIRMED reservation is a refund-path concern and is
// rejected with ErrInvalidState; an EXPIRED one with ErrReservationExpired.
func (s *Store) Cancel(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE reservation_id = $1 FOR UPDATE`
	r, err := scanReservation(tx.QueryRowContext(ctx, query, reservationID))
	if err != nil {
		return nil, err
	}

	switch r.Status {
	case domain.StatusReserved:
		// proceed
	case domain.StatusExpired:
		return nil, domain.ErrReservationExpired
	default:
		return nil, domain.ErrInvalidState
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'CANCELLED', cancelled_at = $1 WHERE reservation_id = $2`,
		now, reservationID,
	); err != nil {
		return nil, fmt.Errorf("failed to cancel reservation: %w", err)
	}

	if err := releaseUnits(ctx, tx, r.SKUID, int64(r.Quantity)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancel transaction: %w", err)
	}

	cancelled := *r
	cancelled.Status = domain.StatusCancelled
	cancelled.CancelledAt = &now

	return &cancelled, nil
}

// GetOrderByReservation returns the order created for a reservation.
func (s *Store) GetOrderByReservation(ctx context.Context, reservationID string) (*domain.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var o domain.Order
	query := `
		SELECT order_id, reservation_id, user_id, sku_id, status,
		       payment_transaction_id, payment_method, shipping_address, created_at
		FROM orders
		WHERE reservation_id = $1`
	err := s.db.QueryRowContext(ctx, query, reservationID).Scan(
		&o.OrderID,
		&o.ReservationID,
		&o.UserID,
		&o.SKUID,
		&o.Status,
		&o.PaymentTransactionID,
		&o.PaymentMethod,
		&o.ShippingAddress,
		&o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &o, nil
}
