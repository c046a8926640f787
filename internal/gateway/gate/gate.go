// Package gate implements the common pre-trade safety checks shared by
// OrderAdmission (§4.1 gates 1-5) and SliceScheduler (§4.4 execution step
// 1): fail-closed availability, kill-switch, circuit breaker, symbol
// quarantine, and the reconciliation reduce-only gate. Both callers run
// fat-finger validation and position reservation themselves afterward,
// since those differ in detail between a fresh admission and a scheduled
// slice of an already-validated parent.
package gate

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/recovery"
)

// Reconciler is the narrow slice of StartupReconciler that the pre-trade
// checker needs: whether a candidate order is currently admissible given
// reconciliation state and the reduce-only policy.
type Reconciler interface {
	AllowsOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) error
}

// Checker runs the shared pre-trade gate sequence.
type Checker struct {
	recovery   *recovery.Manager
	coord      coordinator.Coordinator
	reconciler Reconciler
}

// New constructs a Checker. reconciler may be nil only in tests that do
// not exercise the reconciliation gate directly.
func New(rec *recovery.Manager, coord coordinator.Coordinator, reconciler Reconciler) *Checker {
	return &Checker{recovery: rec, coord: coord, reconciler: reconciler}
}

// CheckPreTrade runs gates 1-5 in order, aborting at the first failure.
func (c *Checker) CheckPreTrade(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) error {
	if c.recovery.NeedsRecovery() {
		return &domain.AvailabilityError{Dependency: "recovery_manager", Cause: errors.New("one or more safety mechanisms unavailable")}
	}

	engaged, err := c.coord.IsKillSwitchEngaged(ctx)
	if err != nil {
		return err
	}
	if engaged {
		return &domain.SafetyGateError{GateName: "kill_switch", Reason: "kill switch engaged"}
	}

	tripped, err := c.coord.IsCircuitBreakerTripped(ctx)
	if err != nil {
		return err
	}
	if tripped {
		return &domain.SafetyGateError{GateName: "circuit_breaker", Reason: "circuit breaker tripped"}
	}

	quarantined, err := c.coord.IsSymbolQuarantined(ctx, symbol)
	if err != nil {
		return err
	}
	if quarantined {
		return &domain.SafetyGateError{GateName: "quarantine", Reason: "symbol " + symbol + " is quarantined"}
	}

	if c.reconciler != nil {
		if err := c.reconciler.AllowsOrder(ctx, symbol, side, qty); err != nil {
			return err
		}
	}

	return nil
}
