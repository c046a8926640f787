// Package modification implements the ModificationEngine (§4.5): an
// idempotent in-place replacement of a non-terminal order with a new
// client_order_id and changed qty/prices/time-in-force, short-locked per
// order and finalized only after the broker confirms the replace.
package modification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/broker"
	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/gate"
	"github.com/execgateway/core/internal/gateway/ids"
	"github.com/execgateway/core/internal/gateway/ledger"
	"github.com/execgateway/core/internal/gateway/reservation"
	"github.com/execgateway/core/pkg/observability"
)

const lockKeyPrefix = "modify:"

// Request is the caller's requested change, identified by
// OriginalClientOrderID and made idempotent by IdempotencyKey.
type Request struct {
	OriginalClientOrderID string
	IdempotencyKey        string
	NewQty                *decimal.Decimal
	NewLimitPrice         *decimal.Decimal
	NewStopPrice          *decimal.Decimal
	NewTimeInForce        *domain.TimeInForce
	Now                   time.Time
}

// Engine implements Modify. It depends on the same Checker and
// reservation.Manager as OrderAdmission. Risk-increasing modifications
// pass the same pre-trade checks as a fresh order submission; pure
// de-risking (qty-decrease only) modifications skip them.
type Engine struct {
	ledger  ledger.Ledger
	broker  broker.Client
	coord   coordinator.Coordinator
	checker *gate.Checker
	reserve *reservation.Manager
	logger  *observability.Logger
	audit   *observability.AuditLogger

	lockTTL time.Duration
}

// New constructs an Engine.
func New(led ledger.Ledger, brokerClient broker.Client, coord coordinator.Coordinator, checker *gate.Checker, reserve *reservation.Manager, logger *observability.Logger, lockTTL time.Duration) *Engine {
	return &Engine{ledger: led, broker: brokerClient, coord: coord, checker: checker, reserve: reserve, logger: logger, audit: observability.NewAuditLogger(logger), lockTTL: lockTTL}
}

// changeSet is what actually differs between the original order and the
// requested modification; empty means the request is a no-op.
type changeSet struct {
	qtyDelta      decimal.Decimal // new - old filled-adjusted qty; may be negative
	qtyDecreased  bool
	priceChanged  bool
	tifChanged    bool
}

// isRiskReducing reports whether a change is pure de-risking: qty
// decrease only, with no price, stop price, or TIF change (§4.5 step 3).
func (c changeSet) isRiskReducing() bool {
	return c.qtyDecreased && !c.priceChanged && !c.tifChanged
}

// Modify runs the full replacement protocol. On success,
// Response.Modification is the persisted modification record. A replay of
// an already-known idempotency key is not an error: it is reported as
// Idempotent=true with no error.
func (e *Engine) Modify(ctx context.Context, req Request) (domain.ModifyResponse, error) {
	lockKey := lockKeyPrefix + req.OriginalClientOrderID
	token := uuid.NewString()
	held, err := e.coord.TryLock(ctx, lockKey, token, e.lockTTL)
	if err != nil {
		return domain.ModifyResponse{}, err
	}
	if !held {
		return domain.ModifyResponse{}, &domain.ConflictError{Resource: "order", Reason: "modification already in flight for " + req.OriginalClientOrderID}
	}
	defer func() { _ = e.coord.Unlock(ctx, lockKey, token) }()

	if existing, ok, err := e.ledger.GetModificationByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return domain.ModifyResponse{}, err
	} else if ok {
		switch existing.Status {
		case domain.ModificationPending, domain.ModificationSubmittedUnconfirmed:
			return domain.ModifyResponse{Modification: existing, Idempotent: true}, nil
		case domain.ModificationCompleted:
			return domain.ModifyResponse{Modification: existing, Idempotent: true}, nil
		case domain.ModificationFailed:
			return domain.ModifyResponse{}, &domain.ConflictError{Resource: "modification", Reason: "a prior attempt with this idempotency_key failed: " + existing.FailureReason}
		}
	}

	original, ok, err := e.ledger.GetOrderByClientID(ctx, req.OriginalClientOrderID)
	if err != nil {
		return domain.ModifyResponse{}, err
	}
	if !ok {
		return domain.ModifyResponse{}, &domain.ValidationError{Field: "original_client_order_id", Reason: "order not found"}
	}
	if err := validatePreconditions(original, req); err != nil {
		return domain.ModifyResponse{}, err
	}

	changes := computeChanges(original, req)

	if !changes.isRiskReducing() {
		if err := e.checker.CheckPreTrade(ctx, original.Symbol, original.Side, effectiveQty(original, req)); err != nil {
			return domain.ModifyResponse{}, err
		}
	}

	var reservationToken string
	if changes.qtyDelta.GreaterThan(decimal.Zero) {
		reservationToken, err = e.reserve.Reserve(ctx, original.Symbol, original.Side, changes.qtyDelta)
		if err != nil {
			return domain.ModifyResponse{}, err
		}
	}
	releaseReservation := func() {
		if reservationToken != "" {
			_ = e.reserve.Release(ctx, reservationToken)
		}
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	newClientOrderID := ids.ModificationOrderID(ids.ModificationOrderIDFields{
		OriginalClientOrderID: req.OriginalClientOrderID,
		IdempotencyKey:        req.IdempotencyKey,
		TradeDate:             now,
	})

	seq, err := e.ledger.GetNextModificationSeq(ctx, req.OriginalClientOrderID)
	if err != nil {
		releaseReservation()
		return domain.ModifyResponse{}, err
	}

	mod := domain.ModificationRecord{
		IdempotencyKey:     req.IdempotencyKey,
		ClientOrderID:      req.OriginalClientOrderID,
		Kind:               domain.ModificationReplace,
		Seq:                seq,
		NewQty:             req.NewQty,
		NewLimitPrice:      req.NewLimitPrice,
		NewClientOrderID:   newClientOrderID,
		Status:             domain.ModificationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.ledger.InsertPendingModification(ctx, mod); err != nil {
		releaseReservation()
		return domain.ModifyResponse{}, err
	}

	ack, err := e.broker.ReplaceOrder(ctx, broker.ReplaceRequest{
		OriginalClientOrderID: req.OriginalClientOrderID,
		NewClientOrderID:      newClientOrderID,
		NewQty:                req.NewQty,
		NewLimitPrice:         req.NewLimitPrice,
	})
	if err != nil {
		releaseReservation()
		_ = e.ledger.UpdateModificationStatus(ctx, req.IdempotencyKey, domain.ModificationFailed, err.Error())
		return domain.ModifyResponse{}, err
	}

	replacement := buildReplacementOrder(original, req, newClientOrderID, ack, now)

	txErr := e.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return e.ledger.InsertReplacementOrder(ctx, tx, original, replacement)
	})
	if txErr != nil {
		_ = e.ledger.UpdateModificationStatus(ctx, req.IdempotencyKey, domain.ModificationSubmittedUnconfirmed, txErr.Error())
		e.logger.Error(ctx, "modification: broker replace succeeded but local finalization failed; deferring to periodic reconciliation", txErr,
			map[string]interface{}{"idempotency_key": req.IdempotencyKey, "new_client_order_id": newClientOrderID})
		return domain.ModifyResponse{}, &domain.InternalConsistencyError{Detail: "modification finalize failed after broker success: " + txErr.Error()}
	}

	if err := e.ledger.FinalizeModification(ctx, req.IdempotencyKey, &newClientOrderID); err != nil {
		e.logger.Error(ctx, "modification: failed to mark modification record completed after a successful replace+insert", err,
			map[string]interface{}{"idempotency_key": req.IdempotencyKey})
		_ = e.ledger.UpdateModificationStatus(ctx, req.IdempotencyKey, domain.ModificationSubmittedUnconfirmed, err.Error())
		return domain.ModifyResponse{}, &domain.InternalConsistencyError{Detail: "modification finalize failed after broker success: " + err.Error()}
	}

	if reservationToken != "" {
		_ = e.reserve.Confirm(ctx, reservationToken)
	}

	mod.Status = domain.ModificationCompleted
	mod.ReplacementOrderID = &newClientOrderID
	e.audit.LogSystemEvent(ctx, "modification_completed", "modification", map[string]interface{}{
		"idempotency_key": req.IdempotencyKey, "original_client_order_id": req.OriginalClientOrderID,
		"new_client_order_id": newClientOrderID,
	})
	return domain.ModifyResponse{Modification: mod}, nil
}

func validatePreconditions(original domain.Order, req Request) error {
	if original.Status.IsTerminal() {
		return &domain.ValidationError{Field: "original_client_order_id", Reason: "order is terminal and cannot be modified"}
	}
	if original.BrokerOrderID == "" {
		return &domain.ValidationError{Field: "original_client_order_id", Reason: "order has no broker_order_id yet"}
	}
	if original.ExecutionStyle == domain.ExecutionStyleTWAP {
		return &domain.ValidationError{Field: "execution_style", Reason: "twap parents/children cannot be modified through this path"}
	}
	if req.NewQty != nil && req.NewQty.LessThan(original.FilledQty) {
		return &domain.ValidationError{Field: "qty", Reason: "cannot reduce qty below filled_qty"}
	}

	limitPrice := original.LimitPrice
	if req.NewLimitPrice != nil {
		limitPrice = req.NewLimitPrice
	}
	stopPrice := original.StopPrice
	if req.NewStopPrice != nil {
		stopPrice = req.NewStopPrice
	}
	if original.OrderType == domain.OrderTypeStopLimit && limitPrice != nil && stopPrice != nil {
		switch original.Side {
		case domain.SideBuy:
			if limitPrice.LessThan(*stopPrice) {
				return &domain.ValidationError{Field: "limit_price", Reason: "buy stop_limit requires limit_price >= stop_price"}
			}
		case domain.SideSell:
			if limitPrice.GreaterThan(*stopPrice) {
				return &domain.ValidationError{Field: "limit_price", Reason: "sell stop_limit requires limit_price <= stop_price"}
			}
		}
	}
	return nil
}

func computeChanges(original domain.Order, req Request) changeSet {
	var cs changeSet
	if req.NewQty != nil {
		cs.qtyDelta = req.NewQty.Sub(original.Qty)
		cs.qtyDecreased = cs.qtyDelta.LessThan(decimal.Zero)
	}
	if req.NewLimitPrice != nil && (original.LimitPrice == nil || !req.NewLimitPrice.Equal(*original.LimitPrice)) {
		cs.priceChanged = true
	}
	if req.NewStopPrice != nil && (original.StopPrice == nil || !req.NewStopPrice.Equal(*original.StopPrice)) {
		cs.priceChanged = true
	}
	if req.NewTimeInForce != nil && *req.NewTimeInForce != original.TimeInForce {
		cs.tifChanged = true
	}
	return cs
}

func effectiveQty(original domain.Order, req Request) decimal.Decimal {
	if req.NewQty != nil {
		return *req.NewQty
	}
	return original.Qty
}

func buildReplacementOrder(original domain.Order, req Request, newClientOrderID string, ack broker.Ack, now time.Time) domain.Order {
	replacement := original
	replacement.ClientOrderID = newClientOrderID
	replacement.BrokerOrderID = ack.BrokerOrderID
	replacement.Status = ack.Status
	replacement.StatusRank = domain.StatusRankOf(ack.Status)
	replacement.BrokerUpdatedAt = ack.AckedAt
	replacement.SourcePriority = domain.SourceManual
	replacement.RetryCount = 0
	replacement.CreatedAt = now
	replacement.UpdatedAt = now
	replacement.SubmittedAt = &now
	replacement.FilledQty = decimal.Zero
	replacement.FilledAvgPrice = decimal.Zero
	replacement.FilledAt = nil
	replacement.Fills = nil
	replacement.ReplacedByOrderID = nil
	replaces := original.ClientOrderID
	replacement.ReplacesOrderID = &replaces

	if req.NewQty != nil {
		replacement.Qty = *req.NewQty
	}
	if req.NewLimitPrice != nil {
		replacement.LimitPrice = req.NewLimitPrice
	}
	if req.NewStopPrice != nil {
		replacement.StopPrice = req.NewStopPrice
	}
	if req.NewTimeInForce != nil {
		replacement.TimeInForce = *req.NewTimeInForce
	}
	return replacement
}
