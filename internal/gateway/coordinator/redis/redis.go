// Package redis implements coordinator.Coordinator on top of Redis,
// grounded on the key-prefixed layered-cache pattern: every gate gets its
// own key namespace and TTL, repurposed here from a cache expiry into a
// coordination deadline.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/pkg/database"
)

const (
	keyKillSwitch     = "gateway:kill_switch"
	keyCircuitBreaker = "gateway:circuit_breaker"
	keyQuarantinePfx  = "gateway:quarantine:"
	keyReservationPfx = "gateway:reservation:"
	keyReservedQtyPfx = "gateway:reserved_qty:" // not written by this adapter; GetReservedQty scans keyReservationPfx keys instead
	keyLockPfx        = "gateway:lock:"
	keyPerfCachePfx   = "gateway:perfcache:invalidated:"

	flagSetValue = "1"
)

// Coordinator is the production Coordinator backed by a single Redis
// instance (or cluster endpoint behind the same client).
type Coordinator struct {
	client *database.RedisClient
}

// New wraps an already-connected RedisClient.
func New(client *database.RedisClient) *Coordinator {
	return &Coordinator{client: client}
}

func wrapUnavailable(dependency string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.AvailabilityError{Dependency: dependency, Cause: err}
}

func (c *Coordinator) IsKillSwitchEngaged(ctx context.Context) (bool, error) {
	ok, err := c.client.Exists(ctx, keyKillSwitch)
	if err != nil {
		return false, wrapUnavailable("coordinator.kill_switch", err)
	}
	return ok, nil
}

func (c *Coordinator) EngageKillSwitch(ctx context.Context, reason string) error {
	if err := c.client.SetWithExpiry(ctx, keyKillSwitch, reason, 0); err != nil {
		return wrapUnavailable("coordinator.kill_switch", err)
	}
	return nil
}

func (c *Coordinator) DisengageKillSwitch(ctx context.Context) error {
	if err := c.client.DeleteKeys(ctx, keyKillSwitch); err != nil {
		return wrapUnavailable("coordinator.kill_switch", err)
	}
	return nil
}

func (c *Coordinator) IsCircuitBreakerTripped(ctx context.Context) (bool, error) {
	ok, err := c.client.Exists(ctx, keyCircuitBreaker)
	if err != nil {
		return false, wrapUnavailable("coordinator.circuit_breaker", err)
	}
	return ok, nil
}

func (c *Coordinator) TripCircuitBreaker(ctx context.Context, reason string) error {
	if err := c.client.SetWithExpiry(ctx, keyCircuitBreaker, reason, 0); err != nil {
		return wrapUnavailable("coordinator.circuit_breaker", err)
	}
	return nil
}

func (c *Coordinator) ResetCircuitBreaker(ctx context.Context) error {
	if err := c.client.DeleteKeys(ctx, keyCircuitBreaker); err != nil {
		return wrapUnavailable("coordinator.circuit_breaker", err)
	}
	return nil
}

func (c *Coordinator) IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error) {
	ok, err := c.client.Exists(ctx, keyQuarantinePfx+symbol)
	if err != nil {
		return false, wrapUnavailable("coordinator.quarantine", err)
	}
	return ok, nil
}

func (c *Coordinator) QuarantineSymbol(ctx context.Context, symbol, reason string, ttl time.Duration) error {
	if err := c.client.SetWithExpiry(ctx, keyQuarantinePfx+symbol, reason, ttl); err != nil {
		return wrapUnavailable("coordinator.quarantine", err)
	}
	return nil
}

func (c *Coordinator) ReleaseSymbolQuarantine(ctx context.Context, symbol string) error {
	if err := c.client.DeleteKeys(ctx, keyQuarantinePfx+symbol); err != nil {
		return wrapUnavailable("coordinator.quarantine", err)
	}
	return nil
}

// reservationValue names the three fields of the "symbol|side|qty" string
// stored at a reservation token's key. The adapter itself formats and
// parses that string directly (ReserveSymbolQty, splitReservationValue)
// and does not use this struct.
type reservationValue struct {
	Symbol string
	Side   domain.OrderSide
	Qty    string
}

func (c *Coordinator) ReserveSymbolQty(ctx context.Context, token, symbol string, side domain.OrderSide, qty decimal.Decimal, ttl time.Duration) error {
	key := keyReservationPfx + token
	value := fmt.Sprintf("%s|%s|%s", symbol, side, qty.String())

	ok, err := c.client.SetNXWithExpiry(ctx, key, value, ttl)
	if err != nil {
		return wrapUnavailable("coordinator.reservation", err)
	}
	if !ok {
		return &domain.ConflictError{Resource: "reservation", Reason: "token already reserved"}
	}
	return nil
}

func (c *Coordinator) ConfirmReservation(ctx context.Context, token string) error {
	// Confirmation does not change the key's presence; the reservation
	// remains reserved-qty-visible until Release or TTL expiry. It exists
	// as a distinct call so a future audit trail can record it without
	// changing this adapter's storage shape.
	key := keyReservationPfx + token
	ok, err := c.client.Exists(ctx, key)
	if err != nil {
		return wrapUnavailable("coordinator.reservation", err)
	}
	if !ok {
		return &domain.ConflictError{Resource: "reservation", Reason: "unknown or expired token"}
	}
	return nil
}

func (c *Coordinator) ReleaseReservation(ctx context.Context, token string) error {
	if err := c.client.DeleteKeys(ctx, keyReservationPfx+token); err != nil {
		return wrapUnavailable("coordinator.reservation", err)
	}
	return nil
}

// GetReservedQty scans active reservation keys for matching symbol/side.
// Redis SCAN is used instead of KEYS so this never blocks the server on a
// large keyspace; the reservation keyspace is expected to stay small since
// every entry carries a short TTL.
func (c *Coordinator) GetReservedQty(ctx context.Context, symbol string, side domain.OrderSide) (decimal.Decimal, error) {
	total := decimal.Zero
	iter := c.client.Scan(ctx, 0, keyReservationPfx+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, ok, err := c.client.GetString(ctx, iter.Val())
		if err != nil {
			return decimal.Zero, wrapUnavailable("coordinator.reservation", err)
		}
		if !ok {
			continue
		}
		parts := splitReservationValue(val)
		if len(parts) != 3 {
			continue
		}
		sym, sideStr, qtyStr := parts[0], parts[1], parts[2]
		if sym != symbol || domain.OrderSide(sideStr) != side {
			continue
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			continue
		}
		total = total.Add(qty)
	}
	if err := iter.Err(); err != nil {
		return decimal.Zero, wrapUnavailable("coordinator.reservation", err)
	}
	return total, nil
}

func splitReservationValue(v string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(v); i++ {
		if v[i] == '|' {
			parts = append(parts, v[start:i])
			start = i + 1
		}
	}
	parts = append(parts, v[start:])
	return parts
}

// TryLock is a Redis SETNX-PX advisory lock: one token per holder, one
// key per locked resource (ModificationEngine keys it by client_order_id).
func (c *Coordinator) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	held, err := c.client.SetNXWithExpiry(ctx, keyLockPfx+key, token, ttl)
	if err != nil {
		return false, wrapUnavailable("coordinator.lock", err)
	}
	return held, nil
}

// Unlock releases key only if token still owns it, so a lock that expired
// and was re-acquired by another caller is not yanked out from under them.
func (c *Coordinator) Unlock(ctx context.Context, key, token string) error {
	lockKey := keyLockPfx + key
	held, ok, err := c.client.GetString(ctx, lockKey)
	if err != nil {
		return wrapUnavailable("coordinator.lock", err)
	}
	if !ok || held != token {
		return nil
	}
	if err := c.client.DeleteKeys(ctx, lockKey); err != nil {
		return wrapUnavailable("coordinator.lock", err)
	}
	return nil
}

// InvalidatePerformanceCacheForDate is a best-effort fan-out marker; the
// actual cache consumers poll or subscribe to this key's bump, out of
// scope for the core.
func (c *Coordinator) InvalidatePerformanceCacheForDate(ctx context.Context, date time.Time) error {
	key := keyPerfCachePfx + date.UTC().Format("2006-01-02")
	if err := c.client.SetWithExpiry(ctx, key, time.Now().UTC().Format(time.RFC3339), 24*time.Hour); err != nil {
		return wrapUnavailable("coordinator.perfcache", err)
	}
	return nil
}

func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.client.Health(ctx); err != nil {
		return wrapUnavailable("coordinator", err)
	}
	return nil
}

var _ coordinator.Coordinator = (*Coordinator)(nil)
