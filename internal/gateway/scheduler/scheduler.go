// Package scheduler implements the SliceScheduler (§4.4): it persists a
// TWAP SlicingPlan atomically with the Ledger, registers one timer per
// child slice, and at each slice's due time re-runs the shared pre-trade
// gates before dispatching to the broker. It is deliberately excluded from
// RecoveryManager's "needs_recovery" predicate — a scheduler outage is a
// productivity problem, not a safety one — and is restarted opportunistically
// whenever KillSwitch and CircuitBreaker are healthy.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/execgateway/core/internal/gateway/broker"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/gate"
	"github.com/execgateway/core/internal/gateway/ledger"
	"github.com/execgateway/core/internal/gateway/reservation"
	"github.com/execgateway/core/pkg/observability"
)

// maxTransientRetries bounds how many times a slice is rescheduled after a
// broker transport error before it is left pending. The periodic
// reconciler does not pick up pending slices.
const maxTransientRetries = 3

// Scheduler owns the in-process timers for pending TWAP child slices.
type Scheduler struct {
	ledger  ledger.Ledger
	broker  broker.Client
	reserve *reservation.Manager
	checker *gate.Checker
	logger  *observability.Logger

	mu     sync.Mutex
	timers map[string][]*time.Timer // parentOrderID -> child timers
}

// New constructs a Scheduler. Nothing runs until RegisterPlan is called.
func New(led ledger.Ledger, brokerClient broker.Client, reserve *reservation.Manager, checker *gate.Checker, logger *observability.Logger) *Scheduler {
	return &Scheduler{
		ledger:  led,
		broker:  brokerClient,
		reserve: reserve,
		checker: checker,
		logger:  logger,
		timers:  make(map[string][]*time.Timer),
	}
}

// RegisterPlan persists the parent and every child slice of plan in one
// transaction, then arms a timer per child at its scheduled time. Calling
// RegisterPlan twice for the same parent is idempotent: the second call
// observes the parent already exists and returns nil without re-arming
// timers. legacyParentOrderID is optional (§4.3's
// interval_seconds==60 legacy-tag fallback, see twap.LegacyParentID): when
// present and the canonical parent id is not found, it is also probed
// before concluding no prior plan exists, so a retry submitted before the
// strategy-tag format changed still replays idempotently.
func (s *Scheduler) RegisterPlan(ctx context.Context, parent domain.Order, plan domain.SlicingPlan, children []domain.Order, legacyParentOrderID ...string) error {
	existing, ok, err := s.ledger.GetOrderByClientID(ctx, parent.ClientOrderID)
	if err != nil {
		return err
	}
	if !ok && len(legacyParentOrderID) > 0 && legacyParentOrderID[0] != "" {
		existing, ok, err = s.ledger.GetOrderByClientID(ctx, legacyParentOrderID[0])
		if err != nil {
			return err
		}
	}
	if ok {
		s.logger.Info(ctx, "twap plan already registered, skipping re-arm", map[string]interface{}{
			"parent_order_id": existing.ClientOrderID,
		})
		return nil
	}

	err = s.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := s.ledger.CreateParentOrder(ctx, parent, plan); err != nil {
			return err
		}
		for _, child := range children {
			if err := s.ledger.CreateChildSlice(ctx, child); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		return err
	}

	s.armTimers(parent.ClientOrderID, children)
	return nil
}

func (s *Scheduler) armTimers(parentOrderID string, children []domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers := make([]*time.Timer, 0, len(children))
	for _, child := range children {
		child := child
		delay := time.Until(*child.ScheduledTime)
		if delay < 0 {
			delay = 0
		}
		timers = append(timers, time.AfterFunc(delay, func() {
			s.executeSlice(context.Background(), child, 0)
		}))
	}
	s.timers[parentOrderID] = timers
}

func (s *Scheduler) executeSlice(ctx context.Context, child domain.Order, attempt int) {
	logFields := map[string]interface{}{"client_order_id": child.ClientOrderID, "symbol": child.Symbol, "attempt": attempt}

	if err := s.checker.CheckPreTrade(ctx, child.Symbol, child.Side, child.Qty); err != nil {
		s.logger.Warn(ctx, "slice blocked by pre-trade gate", mergeFields(logFields, "error", err.Error()))
		return
	}

	token, err := s.reserve.Reserve(ctx, child.Symbol, child.Side, child.Qty)
	if err != nil {
		s.logger.Warn(ctx, "slice reservation failed", mergeFields(logFields, "error", err.Error()))
		return
	}

	ack, err := s.broker.SubmitOrder(ctx, broker.SubmitRequest{
		ClientOrderID: child.ClientOrderID,
		Symbol:        child.Symbol,
		Side:          child.Side,
		Qty:           child.Qty,
		OrderType:     child.OrderType,
		LimitPrice:    child.LimitPrice,
		StopPrice:     child.StopPrice,
		TimeInForce:   child.TimeInForce,
	})

	var validationErr *domain.BrokerValidationError
	var rejectionErr *domain.BrokerRejectionError
	var transportErr *domain.BrokerTransportError

	switch {
	case err == nil:
		_ = s.reserve.Confirm(ctx, token)
		next := child
		next.Status = ack.Status
		next.BrokerOrderID = ack.BrokerOrderID
		next.BrokerUpdatedAt = ack.AckedAt
		next.StatusRank = domain.StatusRankOf(ack.Status)
		next.SourcePriority = domain.SourceManual
		if _, casErr := s.ledger.UpdateOrderStatusCAS(ctx, child.ClientOrderID, next); casErr != nil {
			s.logger.Error(ctx, "failed to record slice acceptance", casErr, logFields)
		}

	case errors.As(err, &validationErr), errors.As(err, &rejectionErr):
		_ = s.reserve.Release(ctx, token)
		next := child
		next.Status = domain.StatusRejected
		next.StatusRank = domain.StatusRankOf(domain.StatusRejected)
		next.BrokerUpdatedAt = time.Now().UTC()
		next.SourcePriority = domain.SourceManual
		if _, casErr := s.ledger.UpdateOrderStatusCAS(ctx, child.ClientOrderID, next); casErr != nil {
			s.logger.Error(ctx, "failed to record slice rejection", casErr, logFields)
		}

	case errors.As(err, &transportErr):
		_ = s.reserve.Release(ctx, token)
		s.logger.Warn(ctx, "slice broker submit transport error, will retry if attempts remain", mergeFields(logFields, "error", err.Error()))
		if attempt < maxTransientRetries {
			time.AfterFunc(backoff(attempt), func() {
				s.executeSlice(context.Background(), child, attempt+1)
			})
		}

	default:
		_ = s.reserve.Release(ctx, token)
		s.logger.Error(ctx, "slice broker submit failed with unclassified error", err, logFields)
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 2 * time.Second
}

func mergeFields(base map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

// Restart satisfies recovery.SchedulerRestarter and only logs the call.
// Timers are in-process state; neither this hook nor process startup
// re-derives them from the Ledger's pending slices.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler restart acknowledged by recovery manager", nil)
	return nil
}

// CancelRemainingSlices stops every not-yet-fired timer for parentOrderID
// and marks the corresponding not-yet-submitted child orders canceled.
func (s *Scheduler) CancelRemainingSlices(ctx context.Context, parentOrderID string) (int, error) {
	s.mu.Lock()
	timers := s.timers[parentOrderID]
	delete(s.timers, parentOrderID)
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	return s.ledger.CancelPendingSlices(ctx, parentOrderID)
}
