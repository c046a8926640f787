// Package memcoord is an in-memory Coordinator used by unit tests and by
// single-process dry-run deployments that have no Redis available.
package memcoord

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
)

type reservation struct {
	symbol    string
	side      domain.OrderSide
	qty       decimal.Decimal
	confirmed bool
	expiresAt time.Time
}

// Coordinator is a mutex-guarded, single-process implementation of
// coordinator.Coordinator. TTLs are enforced lazily: an expired key is
// treated as absent the next time it is read.
type Coordinator struct {
	mu sync.Mutex

	killSwitchEngaged bool
	circuitTripped    bool

	quarantine    map[string]time.Time // symbol -> expiresAt
	reservations  map[string]*reservation
	locks         map[string]lockHolder // key -> holder
	invalidated   map[string]int        // date (YYYY-MM-DD) -> invalidation count, test observability
}

type lockHolder struct {
	token     string
	expiresAt time.Time
}

// New constructs an empty Coordinator: kill switch disengaged, circuit
// breaker reset, no quarantines, no reservations.
func New() *Coordinator {
	return &Coordinator{
		quarantine:   make(map[string]time.Time),
		reservations: make(map[string]*reservation),
		locks:        make(map[string]lockHolder),
		invalidated:  make(map[string]int),
	}
}

func (c *Coordinator) IsKillSwitchEngaged(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitchEngaged, nil
}

func (c *Coordinator) EngageKillSwitch(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitchEngaged = true
	return nil
}

func (c *Coordinator) DisengageKillSwitch(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitchEngaged = false
	return nil
}

func (c *Coordinator) IsCircuitBreakerTripped(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitTripped, nil
}

func (c *Coordinator) TripCircuitBreaker(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitTripped = true
	return nil
}

func (c *Coordinator) ResetCircuitBreaker(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitTripped = false
	return nil
}

func (c *Coordinator) IsSymbolQuarantined(_ context.Context, symbol string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.quarantine[symbol]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(c.quarantine, symbol)
		return false, nil
	}
	return true, nil
}

func (c *Coordinator) QuarantineSymbol(_ context.Context, symbol, _ string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quarantine[symbol] = time.Now().Add(ttl)
	return nil
}

func (c *Coordinator) ReleaseSymbolQuarantine(_ context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quarantine, symbol)
	return nil
}

func (c *Coordinator) ReserveSymbolQty(_ context.Context, token, symbol string, side domain.OrderSide, qty decimal.Decimal, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.reservations[token]; exists {
		return &domain.ConflictError{Resource: "reservation", Reason: "token already in use"}
	}
	c.reservations[token] = &reservation{
		symbol:    symbol,
		side:      side,
		qty:       qty,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *Coordinator) ConfirmReservation(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reservations[token]
	if !ok {
		return &domain.ConflictError{Resource: "reservation", Reason: "unknown token"}
	}
	r.confirmed = true
	return nil
}

func (c *Coordinator) ReleaseReservation(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reservations, token)
	return nil
}

func (c *Coordinator) GetReservedQty(_ context.Context, symbol string, side domain.OrderSide) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	now := time.Now()
	for _, r := range c.reservations {
		if r.symbol != symbol || r.side != side {
			continue
		}
		if now.After(r.expiresAt) {
			continue
		}
		total = total.Add(r.qty)
	}
	return total, nil
}

func (c *Coordinator) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.locks[key]; ok && time.Now().Before(h.expiresAt) {
		return false, nil
	}
	c.locks[key] = lockHolder{token: token, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *Coordinator) Unlock(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.locks[key]; ok && h.token == token {
		delete(c.locks, key)
	}
	return nil
}

func (c *Coordinator) InvalidatePerformanceCacheForDate(_ context.Context, date time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated[date.UTC().Format("2006-01-02")]++
	return nil
}

// InvalidationCount is a test helper exposing how many times a date's
// performance cache was invalidated.
func (c *Coordinator) InvalidationCount(date time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[date.UTC().Format("2006-01-02")]
}

func (c *Coordinator) Ping(_ context.Context) error {
	return nil
}

var _ coordinator.Coordinator = (*Coordinator)(nil)
