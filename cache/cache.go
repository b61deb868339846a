// Package cache is the Redis coordination cache: hot derived state shared
// between the gateway and the allocator. Everything here is a discardable
// view. The Postgres store is the source of truth, and callers on the
// write path must treat every error as advisory and fall open.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flashsale/engine/domain"
)

// TTLs holds the fixed expirations for each key family.
type TTLs struct {
	Stock             time.Duration // stock:{sku}
	Product           time.Duration // product:{sku}
	UserPurchased     time.Duration // user_purchased:{user}:{sku}
	ActiveReservation time.Duration // active_reservation:{user}:{sku}; hold duration + margin
	Rejection         time.Duration // rejection:{user}:{sku}
}

// DefaultTTLs match the sale-window coordination contract.
func DefaultTTLs(holdDuration time.Duration) TTLs {
	return TTLs{
		Stock:             5 * time.Minute,
		Product:           10 * time.Minute,
		UserPurchased:     24 * time.Hour,
		ActiveReservation: holdDuration + 30*time.Second,
		Rejection:         3 * time.Minute,
	}
}

// Cache wraps the Redis client with the coordination key families.
type Cache struct {
	client *redis.Client
	ttls   TTLs
}

// New connects to Redis and verifies the connection.
func New(addr string, ttls TTLs) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client, ttls: ttls}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func stockKey(sku string) string           { return "stock:" + sku }
func productKey(sku string) string         { return "product:" + sku }
func purchasedKey(user, sku string) string { return "user_purchased:" + user + ":" + sku }
func activeResKey(user, sku string) string { return "active_reservation:" + user + ":" + sku }
func rejectionKey(user, sku string) string { return "rejection:" + user + ":" + sku }

// =====================================================
// Stock counter (atomic)
// =====================================================

// GetStock returns the cached stock count for a SKU. The second return is
// false on a cache miss.
func (c *Cache) GetStock(ctx context.Context, sku string) (int64, bool, error) {
	n, err := c.client.Get(ctx, stockKey(sku)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get stock: %w", err)
	}
	return n, true, nil
}

// SeedStock populates the stock counter only if absent, so a read-path
// repopulate never clobbers decrements raced in by the allocator.
func (c *Cache) SeedStock(ctx context.Context, sku string, count int64) error {
	ok, err := c.client.SetNX(ctx, stockKey(sku), count, c.ttls.Stock).Result()
	if err != nil {
		return fmt.Errorf("redis seed stock: %w", err)
	}
	if !ok {
		// Key exists; just refresh its TTL.
		return c.client.Expire(ctx, stockKey(sku), c.ttls.Stock).Err()
	}
	return nil
}

// DecrStock atomically decrements the stock counter after an allocation.
func (c *Cache) DecrStock(ctx context.Context, sku string, n int64) error {
	return c.client.DecrBy(ctx, stockKey(sku), n).Err()
}

// IncrStock atomically returns units to the cached counter after a cancel
// or expiry.
func (c *Cache) IncrStock(ctx context.Context, sku string, n int64) error {
	return c.client.IncrBy(ctx, stockKey(sku), n).Err()
}

// =====================================================
// Product cache-aside
// =====================================================

func (c *Cache) GetProduct(ctx context.Context, sku string) (*domain.Product, error) {
	data, err := c.client.Get(ctx, productKey(sku)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get product: %w", err)
	}

	var p domain.Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &p, nil
}

func (c *Cache) SetProduct(ctx context.Context, p *domain.Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	return c.client.Set(ctx, productKey(p.SKUID), data, c.ttls.Product).Err()
}

// =====================================================
// Purchase and reservation markers
// =====================================================

// MarkUserPurchased sets the purchased sentinel after a confirm commit.
func (c *Cache) MarkUserPurchased(ctx context.Context, user, sku string) error {
	return c.client.Set(ctx, purchasedKey(user, sku), "1", c.ttls.UserPurchased).Err()
}

func (c *Cache) IsUserPurchased(ctx context.Context, user, sku string) (bool, error) {
	n, err := c.client.Exists(ctx, purchasedKey(user, sku)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists user_purchased: %w", err)
	}
	return n > 0, nil
}

// SetActiveReservation records the user's live hold. The TTL mirrors the
// hold duration plus margin, giving clients near-instant visible expiry
// even before the reconciler sweeps (L1 of the expiry layers).
func (c *Cache) SetActiveReservation(ctx context.Context, user, sku, reservationID string) error {
	return c.client.Set(ctx, activeResKey(user, sku), reservationID, c.ttls.ActiveReservation).Err()
}

// GetActiveReservation returns the live reservation id, or "" on miss.
func (c *Cache) GetActiveReservation(ctx context.Context, user, sku string) (string, error) {
	id, err := c.client.Get(ctx, activeResKey(user, sku)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get active_reservation: %w", err)
	}
	return id, nil
}

func (c *Cache) ClearActiveReservation(ctx context.Context, user, sku string) error {
	return c.client.Del(ctx, activeResKey(user, sku)).Err()
}

// =====================================================
// Rejection channel
// =====================================================

// SetRejection publishes a short-lived rejection marker the intake polls.
// This decouples allocator throughput from caller responsiveness: the
// allocator writes the marker and moves on.
func (c *Cache) SetRejection(ctx context.Context, user, sku string, rej domain.Rejection) error {
	return c.client.Set(ctx, rejectionKey(user, sku), rej.Encode(), c.ttls.Rejection).Err()
}

// GetRejection returns the pending rejection for (user, sku). The second
// return is false on a miss.
func (c *Cache) GetRejection(ctx context.Context, user, sku string) (domain.Rejection, bool, error) {
	s, err := c.client.Get(ctx, rejectionKey(user, sku)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Rejection{}, false, nil
	}
	if err != nil {
		return domain.Rejection{}, false, fmt.Errorf("redis get rejection: %w", err)
	}

	rej, err := domain.ParseRejection(s)
	if err != nil {
		return domain.Rejection{}, false, err
	}
	return rej, true, nil
}

// ClearRejection removes a consumed rejection marker so a later retry of
// the same (user, sku) does not read a stale verdict.
func (c *Cache) ClearRejection(ctx context.Context, user, sku string) error {
	return c.client.Del(ctx, rejectionKey(user, sku)).Err()
}
