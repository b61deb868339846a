package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flashsale/engine/domain"
)

// Candidate is one validated request competing for a unit of a SKU, in
// batch-arrival order.
type Candidate struct {
	RequestID      string
	UserID         string
	SKUID          string
	IdempotencyKey string
}

// AllocationResult is the outcome of one batch allocation for one SKU.
// Slice order within Allocated follows candidate arrival order.
type AllocationResult struct {
	Allocated  []domain.Reservation
	OutOfStock []Candidate
	Duplicates []Candidate

	// InventoryWrites counts conditional updates attempted: one in the
	// fully-allocated case, at most two in the partial case.
	InventoryWrites int
}

// AllocateBatch atomically reserves units for up to len(candidates)
// requests of one SKU and inserts their reservation rows, all in a single
// transaction.
//
// Phase 1 tries the full count K against `available_count >= K`. If the
// guard fails, phase 2 re-reads availability A and retries with
// min(K, A); the first winners in arrival order get the units, the rest
// are out of stock. Insert conflicts, on the idempotency key or on the
// one-live-hold-per-(user, sku) index, are reconciled inside the
// transaction; their units are released and they come back as Duplicates,
// the transaction is not aborted.
//
// Returns domain.ErrNotFound when the SKU has no inventory row.
func (s *Store) AllocateBatch(ctx context.Context, skuID string, candidates []Candidate, holdDuration time.Duration) (*AllocationResult, error) {
	res := &AllocationResult{}
	if len(candidates) == 0 {
		return res, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	k := int64(len(candidates))
	granted := int64(0)

	// Phase 1: fast path, all K at once.
	ok, err := reserveUnits(ctx, tx, skuID, k)
	res.InventoryWrites++
	if err != nil {
		return nil, err
	}
	if ok {
		granted = k
	} else {
		// Phase 2: partial path. Read what is left and take min(K, A).
		var available int64
		err := tx.QueryRowContext(ctx,
			`SELECT available_count FROM inventory WHERE sku_id = $1`, skuID,
		).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read available count: %w", err)
		}

		if available > 0 {
			kp := min(k, available)
			ok, err := reserveUnits(ctx, tx, skuID, kp)
			res.InventoryWrites++
			if err != nil {
				return nil, err
			}
			if ok {
				granted = kp
			}
			// A second guard failure means the row moved under us
			// (reconciler or confirm); reject the whole pass; the
			// losers see the true state on their next attempt.
		}
	}

	winners := candidates[:granted]
	res.OutOfStock = candidates[granted:]

	if granted > 0 {
		now := time.Now().UTC()
		expiresAt := now.Add(holdDuration)

		inserted, reservations, err := insertReservations(ctx, tx, winners, now, expiresAt)
		if err != nil {
			return nil, err
		}

		var kept []domain.Reservation
		for i, w := range winners {
			if _, ok := inserted[w.IdempotencyKey]; ok {
				kept = append(kept, reservations[i])
			} else {
				res.Duplicates = append(res.Duplicates, w)
			}
		}
		res.Allocated = kept

		// Units granted to duplicates were over-counted; give them back
		// before commit so the counters stay consistent at the commit
		// boundary.
		if dup := int64(len(res.Duplicates)); dup > 0 {
			if err := releaseUnits(ctx, tx, skuID, dup); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit allocation transaction: %w", err)
	}

	return res, nil
}

// insertReservations performs one multi-row insert for the winning
// candidates. The targetless ON CONFLICT DO NOTHING keeps the transaction
// alive across both idempotency-key races and the one-live-hold unique
// index; RETURNING reports which rows actually landed.
func insertReservations(ctx context.Context, tx *sql.Tx, winners []Candidate, now, expiresAt time.Time) (map[string]struct{}, []domain.Reservation, error) {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO reservations
		(reservation_id, user_id, sku_id, quantity, status, idempotency_key, created_at, expires_at)
		VALUES `)

	args := make([]interface{}, 0, 2+len(winners)*4)
	args = append(args, now, expiresAt)

	reservations := make([]domain.Reservation, len(winners))
	for i, w := range winners {
		id := uuid.New().String()
		reservations[i] = domain.Reservation{
			ReservationID:  id,
			UserID:         w.UserID,
			SKUID:          w.SKUID,
			Quantity:       1,
			Status:         domain.StatusReserved,
			IdempotencyKey: w.IdempotencyKey,
			CreatedAt:      now,
			ExpiresAt:      expiresAt,
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		base := 3 + i*4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, 1, 'RESERVED', $%d, $1, $2)", base, base+1, base+2, base+3)
		args = append(args, id, w.UserID, w.SKUID, w.IdempotencyKey)
	}

	sb.WriteString(" ON CONFLICT DO NOTHING RETURNING idempotency_key")

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert reservations: %w", err)
	}
	defer rows.Close()

	inserted := make(map[string]struct{}, len(winners))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, nil, fmt.Errorf("failed to scan inserted key: %w", err)
		}
		inserted[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	return inserted, reservations, nil
}

// =====================================================
// Reservation reads
// =====================================================

const reservationColumns = `
	reservation_id, user_id, sku_id, quantity, status, idempotency_key,
	created_at, expires_at, confirmed_at, expired_at, cancelled_at`

func scanReservation(row interface{ Scan(...interface{}) error }) (*domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(
		&r.ReservationID,
		&r.UserID,
		&r.SKUID,
		&r.Quantity,
		&r.Status,
		&r.IdempotencyKey,
		&r.CreatedAt,
		&r.ExpiresAt,
		&r.ConfirmedAt,
		&r.ExpiredAt,
		&r.CancelledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	return &r, nil
}

// GetReservation returns a reservation by id.
func (s *Store) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE reservation_id = $1`
	return scanReservation(s.db.QueryRowContext(ctx, query, reservationID))
}

// GetReservationByKey returns a reservation by idempotency key. The intake
// polls this to resolve a submitted request to its reservation.
func (s *Store) GetReservationByKey(ctx context.Context, idempotencyKey string) (*domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE idempotency_key = $1`
	return scanReservation(s.db.QueryRowContext(ctx, query, idempotencyKey))
}

// GetActiveReservation returns the user's live RESERVED hold on a SKU, or
// domain.ErrNotFound. The store is authoritative for this check; the cache
// marker is only an accelerator.
func (s *Store) GetActiveReservation(ctx context.Context, userID, skuID string) (*domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = $1 AND sku_id = $2
		  AND status = 'RESERVED' AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1`
	return scanReservation(s.db.QueryRowContext(ctx, query, userID, skuID))
}

// ExistingIdempotencyKeys reports which of the given keys already have a
// reservation row. Used by the allocator to dedupe against redelivered
// batches and client retries in one round trip.
func (s *Store) ExistingIdempotencyKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT idempotency_key FROM reservations WHERE idempotency_key = ANY($1)`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan idempotency key: %w", err)
		}
		out[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// HasUserPurchased reports whether the (user, sku) purchase record exists.
func (s *Store) HasUserPurchased(ctx context.Context, userID, skuID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM user_purchase_tracking WHERE user_id = $1 AND sku_id = $2)`
	if err := s.db.QueryRowContext(ctx, query, userID, skuID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user purchase: %w", err)
	}
	return exists, nil
}

// =====================================================
// Expiry
// =====================================================

// FindExpired returns up to limit RESERVED rows past their deadline,
// oldest first.
func (s *Store) FindExpired(ctx context.Context, limit int) ([]*domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = 'RESERVED' AND expires_at < now()
		ORDER BY expires_at
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// Expire transitions one RESERVED reservation to EXPIRED and releases its
// unit, in one transaction. Returns (nil, nil) when another process won
// the race; the sweep skips it without side effects.
func (s *Store) Expire(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE reservations
		SET status = 'EXPIRED', expired_at = now()
		WHERE reservation_id = $1 AND status = 'RESERVED'
		RETURNING ` + reservationColumns
	r, err := scanReservation(tx.QueryRowContext(ctx, query, reservationID))
	if errors.Is(err, domain.ErrNotFound) {
		// Confirmed, cancelled, or already expired in the meantime.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := releaseUnits(ctx, tx, r.SKUID, int64(r.Quantity)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expiry transaction: %w", err)
	}

	return r, nil
}
