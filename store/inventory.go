package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flashsale/engine/domain"
)

// =====================================================
// Inventory reads
// =====================================================

// GetInventory returns the canonical counter row for a SKU.
func (s *Store) GetInventory(ctx context.Context, skuID string) (*domain.Inventory, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var inv domain.Inventory
	query := `
		SELECT sku_id, total_count, reserved_count, sold_count, available_count, version, updated_at
		FROM inventory
		WHERE sku_id = $1`
	err := s.db.QueryRowContext(ctx, query, skuID).Scan(
		&inv.SKUID,
		&inv.TotalCount,
		&inv.ReservedCount,
		&inv.SoldCount,
		&inv.AvailableCount,
		&inv.Version,
		&inv.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}

	return &inv, nil
}

// GetProduct returns the reference record for a SKU.
func (s *Store) GetProduct(ctx context.Context, skuID string) (*domain.Product, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p domain.Product
	query := `
		SELECT sku_id, name, category, base_price, sale_price, total_inventory, active, event_id
		FROM products
		WHERE sku_id = $1`
	err := s.db.QueryRowContext(ctx, query, skuID).Scan(
		&p.SKUID,
		&p.Name,
		&p.Category,
		&p.BasePrice,
		&p.SalePrice,
		&p.TotalInventory,
		&p.Active,
		&p.EventID,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	return &p, nil
}

// ListInventory returns every counter row. Used to warm the stock cache at
// service start.
func (s *Store) ListInventory(ctx context.Context) ([]*domain.Inventory, error) {
	query := `
		SELECT sku_id, total_count, reserved_count, sold_count, available_count, version, updated_at
		FROM inventory
		ORDER BY sku_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	defer rows.Close()

	var out []*domain.Inventory
	for rows.Next() {
		var inv domain.Inventory
		if err := rows.Scan(
			&inv.SKUID,
			&inv.TotalCount,
			&inv.ReservedCount,
			&inv.SoldCount,
			&inv.AvailableCount,
			&inv.Version,
			&inv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan inventory: %w", err)
		}
		out = append(out, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// =====================================================
// Conditional inventory mutation
// =====================================================

// reserveUnits performs the optimistic conditional allocation inside an
// open transaction. Returns false when the `available_count >= k` guard
// failed (zero rows updated).
//
// Right-hand column references read the pre-update values, so the derived
// available_count stays consistent with the counters in one statement.
func reserveUnits(ctx context.Context, tx *sql.Tx, skuID string, k int64) (bool, error) {
	query := `
		UPDATE inventory
		SET reserved_count  = reserved_count + $1,
		    available_count = total_count - (reserved_count + $1) - sold_count,
		    version         = version + 1,
		    updated_at      = now()
		WHERE sku_id = $2
		  AND available_count >= $1`
	result, err := tx.ExecContext(ctx, query, k, skuID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve %d units for %s: %w", k, skuID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// releaseUnits returns reserved units to available inside an open
// transaction (expiry, cancel, or in-transaction duplicate reconciliation).
// The `reserved_count >= k` guard surfaces counter drift instead of letting
// a counter go negative.
func releaseUnits(ctx context.Context, tx *sql.Tx, skuID string, k int64) error {
	query := `
		UPDATE inventory
		SET reserved_count  = reserved_count - $1,
		    available_count = total_count - (reserved_count - $1) - sold_count,
		    version         = version + 1,
		    updated_at      = now()
		WHERE sku_id = $2
		  AND reserved_count >= $1`
	result, err := tx.ExecContext(ctx, query, k, skuID)
	if err != nil {
		return fmt.Errorf("failed to release %d units for %s: %w", k, skuID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("reserved_count underflow releasing %d units for %s: %w", k, skuID, domain.ErrInvalidState)
	}

	return nil
}

// convertReservedToSold moves one unit from reserved to sold inside an open
// transaction (confirm path).
func convertReservedToSold(ctx context.Context, tx *sql.Tx, skuID string) error {
	query := `
		UPDATE inventory
		SET reserved_count  = reserved_count - 1,
		    sold_count      = sold_count + 1,
		    available_count = total_count - (reserved_count - 1) - (sold_count + 1),
		    version         = version + 1,
		    updated_at      = now()
		WHERE sku_id = $1
		  AND reserved_count >= 1`
	result, err := tx.ExecContext(ctx, query, skuID)
	if err != nil {
		return fmt.Errorf("failed to convert reserved unit for %s: %w", skuID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no reserved unit to convert for %s: %w", skuID, domain.ErrInvalidState)
	}

	return nil
}

// OversellDelta re-reads a counter row and returns
// reserved_count + sold_count - total_count. A positive value is a
// critical oversell; the caller alarms and continues; correctness rests
// on the conditional update, this is the monitoring safety net.
func (s *Store) OversellDelta(ctx context.Context, skuID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var delta int64
	query := `
		SELECT reserved_count + sold_count - total_count
		FROM inventory
		WHERE sku_id = $1`
	err := s.db.QueryRowContext(ctx, query, skuID).Scan(&delta)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to probe inventory: %w", err)
	}

	return delta, nil
}
