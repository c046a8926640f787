// Package coordinator defines the shared-state primitives that must be
// consistent across every gateway process: kill switch, circuit breaker,
// symbol quarantine, and position reservations. The redis subpackage is
// the production adapter; memcoord is an in-memory fake for tests.
package coordinator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/domain"
)

// Coordinator is the cross-process shared-state surface OrderAdmission,
// RecoveryManager, and PositionReservation depend on. Every method may
// return an AvailabilityError (see domain package) when the backing store
// cannot be reached within the call's context deadline — callers must
// treat that as fail-closed, not as "disengaged"/"not tripped".
type Coordinator interface {
	// KillSwitch

	IsKillSwitchEngaged(ctx context.Context) (bool, error)
	EngageKillSwitch(ctx context.Context, reason string) error
	DisengageKillSwitch(ctx context.Context) error

	// CircuitBreaker

	IsCircuitBreakerTripped(ctx context.Context) (bool, error)
	TripCircuitBreaker(ctx context.Context, reason string) error
	ResetCircuitBreaker(ctx context.Context) error

	// Quarantine

	IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error)
	QuarantineSymbol(ctx context.Context, symbol, reason string, ttl time.Duration) error
	ReleaseSymbolQuarantine(ctx context.Context, symbol string) error

	// PositionReservation

	ReserveSymbolQty(ctx context.Context, token, symbol string, side domain.OrderSide, qty decimal.Decimal, ttl time.Duration) error
	ConfirmReservation(ctx context.Context, token string) error
	ReleaseReservation(ctx context.Context, token string) error
	GetReservedQty(ctx context.Context, symbol string, side domain.OrderSide) (decimal.Decimal, error)

	// Advisory locking (ModificationEngine's per-order short-lived lock)

	// TryLock attempts to acquire key for ttl, returning held=false without
	// error when another holder already owns it. token identifies this
	// holder so only it can Unlock.
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (held bool, err error)
	// Unlock releases key only if token still matches the current holder;
	// releasing a key this caller does not hold is a no-op, not an error.
	Unlock(ctx context.Context, key, token string) error

	// Cache invalidation (best-effort fan-out, §6.3)

	// InvalidatePerformanceCacheForDate notifies downstream performance
	// caches that date's rollups are stale. Failures are logged by the
	// caller, not propagated as a gate failure.
	InvalidatePerformanceCacheForDate(ctx context.Context, date time.Time) error

	// Liveness

	// Ping is the liveness probe RecoveryManager uses to decide whether a
	// previously-unavailable Coordinator has come back.
	Ping(ctx context.Context) error
}
