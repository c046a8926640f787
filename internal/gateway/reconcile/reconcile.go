// Package reconcile implements the StartupReconciler (§4.9). On a
// periodic ticker it converges stale pending modifications against the
// broker's authoritative state. Until the initial
// reconciliation completes, OrderAdmission and SliceScheduler consult
// AllowsOrder, which admits only strictly reduce-only orders unless an
// operator override is active.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/broker"
	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/ledger"
	"github.com/execgateway/core/pkg/observability"
)

// State is the reconciler's admission-gating state.
type State string

const (
	StateInProgress     State = "in_progress"
	StateComplete       State = "complete"
	StateOverrideActive State = "override_active"
)

const overrideLockKey = "reconcile:override"

type overrideCapability struct {
	active    bool
	operator  string
	reason    string
	expiresAt time.Time
	token     string
}

// Reconciler is the gateway's boot/periodic reconciliation authority and
// the reduce-only gate consulted by gate.Checker.
type Reconciler struct {
	broker broker.Client
	ledger ledger.Ledger
	coord  coordinator.Coordinator
	logger *observability.Logger
	audit  *observability.AuditLogger

	periodicInterval     time.Duration
	stalePendingAfter    time.Duration

	mu        sync.Mutex
	complete  bool
	timedOut  bool
	startedAt time.Time
	override  overrideCapability

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reconciler in StateInProgress. Run must be called to
// start the periodic background loop; the caller drives boot-time
// reconciliation (ReconcileOrder) and calls Complete when it is done.
func New(brokerClient broker.Client, led ledger.Ledger, coord coordinator.Coordinator, logger *observability.Logger, periodicInterval, stalePendingAfter time.Duration) *Reconciler {
	return &Reconciler{
		broker:            brokerClient,
		ledger:            led,
		coord:             coord,
		logger:            logger,
		audit:             observability.NewAuditLogger(logger),
		periodicInterval:  periodicInterval,
		stalePendingAfter: stalePendingAfter,
		startedAt:         time.Now().UTC(),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// State reports the current gating state, taking any active override into
// account.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Reconciler) stateLocked() State {
	if r.override.active && time.Now().Before(r.override.expiresAt) {
		return StateOverrideActive
	}
	if r.complete {
		return StateComplete
	}
	return StateInProgress
}

// Complete marks reconciliation finished; new position-increasing orders
// are admitted again from this point on.
func (r *Reconciler) Complete(ctx context.Context) {
	r.mu.Lock()
	r.complete = true
	elapsed := time.Since(r.startedAt)
	r.mu.Unlock()
	r.logger.Info(ctx, "startup reconciliation complete", map[string]interface{}{"elapsed": elapsed.String()})
}

// MarkTimedOut is advisory only: per §4.9 it does not complete
// reconciliation, it only records the elapsed time for observability. The
// reduce-only gate's behavior (§4.1 gate 5) is identical before and after
// a timeout — StartupTimedOut never widens the admitted order set beyond
// reduce-only, it only changes how loudly the gateway complains about it.
func (r *Reconciler) MarkTimedOut(ctx context.Context) {
	r.mu.Lock()
	already := r.timedOut
	r.timedOut = true
	elapsed := time.Since(r.startedAt)
	r.mu.Unlock()
	if !already {
		r.logger.Warn(ctx, "startup reconciliation exceeded its timeout; still reduce-only until complete or overridden",
			map[string]interface{}{"elapsed": elapsed.String()})
	}
}

// ActivateOverride grants a bounded, operator-audited capability to treat
// reconciliation as complete without it actually finishing. The override
// lock is a TTL-bearing key taken in Coordinator (TryLock), so a second
// activation fails while one is held. The override state that AllowsOrder
// reads is kept in this Reconciler only; other gateway processes do not
// observe it.
func (r *Reconciler) ActivateOverride(ctx context.Context, operator, reason string, ttl time.Duration) error {
	token := uuid.NewString()
	held, err := r.coord.TryLock(ctx, overrideLockKey, token, ttl)
	if err != nil {
		return err
	}
	if !held {
		return &domain.ConflictError{Resource: "reconcile_override", Reason: "an override is already active"}
	}

	r.mu.Lock()
	r.override = overrideCapability{active: true, operator: operator, reason: reason, expiresAt: time.Now().Add(ttl), token: token}
	r.mu.Unlock()

	r.logger.Warn(ctx, "startup reconciliation override activated", map[string]interface{}{
		"operator": operator, "reason": reason, "ttl": ttl.String(),
	})
	r.audit.LogUserAction(ctx, "reconcile_override_activate", operator, overrideLockKey, map[string]interface{}{
		"reason": reason, "ttl": ttl.String(),
	})
	return nil
}

// DeactivateOverride releases an active override early.
func (r *Reconciler) DeactivateOverride(ctx context.Context, operator string) error {
	r.mu.Lock()
	token := r.override.token
	wasActive := r.override.active
	r.override = overrideCapability{}
	r.mu.Unlock()

	if !wasActive {
		return nil
	}
	if err := r.coord.Unlock(ctx, overrideLockKey, token); err != nil {
		return err
	}
	r.logger.Info(ctx, "startup reconciliation override deactivated", map[string]interface{}{"operator": operator})
	r.audit.LogUserAction(ctx, "reconcile_override_deactivate", operator, overrideLockKey, nil)
	return nil
}

// AllowsOrder implements gate.Reconciler (§4.1 gate 5, §4.4 execution
// step 1): once complete or overridden, every order is admitted; while
// in progress, only strictly reduce-only orders are admitted, and a
// broker position-lookup failure fails the request outright.
func (r *Reconciler) AllowsOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) error {
	if state := r.State(); state != StateInProgress {
		return nil
	}

	pos, err := r.broker.GetOpenPosition(ctx, symbol)
	if err != nil {
		return &domain.AvailabilityError{Dependency: "broker.position", Cause: err}
	}

	pendingSameSide := decimal.Zero
	openOrders, err := r.broker.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn(ctx, "reduce-only gate: pending open orders unavailable, degrading pending qty to zero",
			map[string]interface{}{"symbol": symbol, "error": err.Error()})
	} else {
		for _, o := range openOrders {
			if o.Side == side {
				pendingSameSide = pendingSameSide.Add(o.RemainingQty)
			}
		}
	}

	if isReduceOnly(pos.Qty, side, qty, pendingSameSide) {
		return nil
	}
	return &domain.SafetyGateError{
		GateName: "reconciliation",
		Reason:   "startup reconciliation incomplete: only reduce-only orders are admitted for " + symbol,
	}
}

// isReduceOnly implements the §4.9 definition: a new order (side, q) is
// reduce-only iff it can only shrink the magnitude of the existing
// authoritative position, net of orders already working on the same side.
func isReduceOnly(position decimal.Decimal, side domain.OrderSide, qty, pendingSameSide decimal.Decimal) bool {
	switch {
	case position.GreaterThan(decimal.Zero) && side == domain.SideSell:
		return qty.LessThanOrEqual(position.Sub(pendingSameSide))
	case position.LessThan(decimal.Zero) && side == domain.SideBuy:
		return qty.LessThanOrEqual(position.Abs().Sub(pendingSameSide))
	default:
		return false
	}
}

// Run starts the periodic background loop (stale-modification
// reconciliation). It blocks until Stop is called; callers run it in its
// own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.periodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reconcileStaleModifications(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// reconcileStaleModifications implements §4.9's periodic background step:
// for every pending modification older than stalePendingAfter, look up
// the broker's record of its prospective new_client_order_id; if found,
// finalize it, otherwise mark it failed.
func (r *Reconciler) reconcileStaleModifications(ctx context.Context) {
	stale, err := r.ledger.ListStalePendingModifications(ctx, r.stalePendingAfter)
	if err != nil {
		r.logger.Error(ctx, "failed to list stale pending modifications", err, nil)
		return
	}

	for _, mod := range stale {
		replacement, found, err := r.broker.GetOrderByClientID(ctx, mod.NewClientOrderID)
		if err != nil {
			r.logger.Warn(ctx, "stale modification lookup failed, will retry next tick",
				map[string]interface{}{"idempotency_key": mod.IdempotencyKey, "error": err.Error()})
			continue
		}
		if !found {
			if uerr := r.ledger.UpdateModificationStatus(ctx, mod.IdempotencyKey, domain.ModificationFailed, "broker has no record of replacement order"); uerr != nil {
				r.logger.Error(ctx, "failed to mark stale modification failed", uerr, map[string]interface{}{"idempotency_key": mod.IdempotencyKey})
			}
			continue
		}

		replacementID := replacement.ClientOrderID
		if err := r.ledger.FinalizeModification(ctx, mod.IdempotencyKey, &replacementID); err != nil {
			r.logger.Error(ctx, "failed to finalize stale modification", err, map[string]interface{}{"idempotency_key": mod.IdempotencyKey})
			continue
		}
		r.logger.Info(ctx, "stale modification converged via periodic reconciliation",
			map[string]interface{}{"idempotency_key": mod.IdempotencyKey, "replacement_order_id": replacementID})
		r.audit.LogSystemEvent(ctx, "stale_modification_converged", "reconcile",
			map[string]interface{}{"idempotency_key": mod.IdempotencyKey, "replacement_order_id": replacementID})
	}
}

// ReconcileOrder compares a single Ledger order against the broker's view
// and applies the broker's status via CAS if it dominates — used by boot
// reconciliation to close any gap left by a missed webhook.
func (r *Reconciler) ReconcileOrder(ctx context.Context, clientOrderID string) error {
	local, ok, err := r.ledger.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.InternalConsistencyError{Detail: "reconcile: unknown order " + clientOrderID}
	}

	remote, found, err := r.broker.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		var transportErr *domain.BrokerTransportError
		if errors.As(err, &transportErr) {
			return err
		}
		return &domain.BrokerTransportError{Cause: err}
	}
	if !found {
		return nil
	}

	next := local
	next.Status = remote.Status
	next.BrokerOrderID = remote.BrokerOrderID
	next.BrokerUpdatedAt = remote.BrokerUpdatedAt
	next.StatusRank = domain.StatusRankOf(remote.Status)
	next.SourcePriority = domain.SourceReconciliation
	next.FilledQty = remote.FilledQty
	next.FilledAvgPrice = remote.FilledAvgPrice
	next.FilledAt = remote.FilledAt

	applied, err := r.ledger.UpdateOrderStatusCAS(ctx, clientOrderID, next)
	if err != nil {
		return err
	}
	if applied {
		r.logger.Info(ctx, "boot reconciliation applied broker-authoritative status",
			map[string]interface{}{"client_order_id": clientOrderID, "status": string(remote.Status)})
	}
	return nil
}
