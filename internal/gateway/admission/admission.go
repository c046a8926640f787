// Package admission implements OrderAdmission (§4.1): the single entry
// point for a fresh (non-TWAP) order request. It runs the shared
// pre-trade gates, fat-finger validation, and position reservation, then
// persists and dispatches the order with the same CAS-safe status
// transitions the SliceScheduler uses for TWAP children.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/broker"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/fatfinger"
	"github.com/execgateway/core/internal/gateway/gate"
	"github.com/execgateway/core/internal/gateway/ids"
	"github.com/execgateway/core/internal/gateway/ledger"
	"github.com/execgateway/core/internal/gateway/reservation"
	"github.com/execgateway/core/pkg/observability"
)

// ADVProvider is the external liquidity collaborator fat-finger validation
// consults for a symbol's average daily volume. A nil *int64 means ADV is
// unavailable for that symbol; ValidateWithThresholds (fatfinger package)
// reports that as a data_unavailable breach only when an ADV threshold is
// actually configured.
type ADVProvider interface {
	GetADV(ctx context.Context, symbol string) (*int64, error)
}

// Request is a single fresh order request. ExecutionStyle must be
// domain.ExecutionStyleInstant or empty (interpreted as instant) —
// domain.ExecutionStyleTWAP is rejected; TWAP orders enter via the
// slicing path instead (§4.1, §4.3).
type Request struct {
	Symbol         string
	Side           domain.OrderSide
	Qty            decimal.Decimal
	OrderType      domain.OrderType
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	TimeInForce    domain.TimeInForce
	ExecutionStyle domain.ExecutionStyle
	StrategyID     string
	IdempotencyKey string
	TradeDate      time.Time
}

// AuthContext identifies the caller for logging/audit; OrderAdmission does
// not itself enforce authorization policy.
type AuthContext struct {
	UserID string
}

// Service implements OrderAdmission.
type Service struct {
	ledger    ledger.Ledger
	broker    broker.Client
	checker   *gate.Checker
	reserve   *reservation.Manager
	fatfinger *fatfinger.Validator
	adv       ADVProvider
	logger    *observability.Logger
	perf      *observability.PerformanceLogger

	dryRun        bool
	maxPriceAge   time.Duration
	positionLimits map[string]decimal.Decimal
	defaultLimit  *decimal.Decimal
}

// New constructs a Service. adv may be nil, in which case ADV is always
// treated as unavailable. defaultLimit == nil means no default position
// limit is enforced; symbolLimits overrides it per symbol.
func New(led ledger.Ledger, brokerClient broker.Client, checker *gate.Checker, reserve *reservation.Manager, ffValidator *fatfinger.Validator, adv ADVProvider, logger *observability.Logger, dryRun bool, maxPriceAge time.Duration, defaultLimit *decimal.Decimal, symbolLimits map[string]decimal.Decimal) *Service {
	return &Service{
		ledger: led, broker: brokerClient, checker: checker, reserve: reserve,
		fatfinger: ffValidator, adv: adv, logger: logger, perf: observability.NewPerformanceLogger(logger),
		dryRun: dryRun, maxPriceAge: maxPriceAge,
		positionLimits: symbolLimits, defaultLimit: defaultLimit,
	}
}

// Submit runs gates 1-11 of §4.1 and returns the resulting (possibly
// idempotent) OrderResponse.
func (s *Service) Submit(ctx context.Context, req Request, auth AuthContext) (domain.OrderResponse, error) {
	start := time.Now()
	defer func() { s.perf.LogDuration(ctx, "admission.submit", time.Since(start), map[string]interface{}{"symbol": req.Symbol}) }()

	if req.ExecutionStyle == domain.ExecutionStyleTWAP {
		return domain.OrderResponse{}, &domain.ValidationError{Field: "execution_style", Reason: "twap orders must be submitted through the slicing endpoint"}
	}
	if err := validateOrderShape(req); err != nil {
		return domain.OrderResponse{}, err
	}

	// Gates 1-5: fail-closed availability, kill switch, circuit breaker,
	// quarantine, reconciliation reduce-only gate.
	if err := s.checker.CheckPreTrade(ctx, req.Symbol, req.Side, req.Qty); err != nil {
		return domain.OrderResponse{}, err
	}

	// Gate 6: fat-finger validation.
	if err := s.checkFatFinger(ctx, req); err != nil {
		return domain.OrderResponse{}, err
	}

	// Gate 7: position reservation.
	currentPosition := decimal.Zero
	if pos, ok, err := s.ledger.GetPositionBySymbol(ctx, req.Symbol); err != nil {
		return domain.OrderResponse{}, err
	} else if ok {
		currentPosition = pos.Qty
	}

	limit := s.defaultLimit
	if override, ok := s.positionLimits[req.Symbol]; ok {
		limit = &override
	}
	token, err := s.reserve.ReserveWithLimit(ctx, req.Symbol, req.Side, req.Qty, currentPosition, limit)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	released := false
	release := func() {
		if !released {
			_ = s.reserve.Release(ctx, token)
			released = true
		}
	}
	defer release()

	// Gate 8: idempotency.
	tradeDate := req.TradeDate
	if tradeDate.IsZero() {
		tradeDate = time.Now().UTC()
	}
	clientOrderID := ids.ClientOrderID(ids.ClientOrderIDFields{
		Symbol: req.Symbol, Side: string(req.Side), Qty: req.Qty,
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice,
		OrderType: string(req.OrderType), TimeInForce: string(req.TimeInForce),
		StrategyID: req.StrategyID, TradeDate: tradeDate,
	})
	if existing, ok, err := s.ledger.GetOrderByClientID(ctx, clientOrderID); err != nil {
		return domain.OrderResponse{}, err
	} else if ok {
		release()
		return domain.OrderResponse{Order: existing, Message: "idempotent replay of existing order", Idempotent: true}, nil
	}

	// Gate 9: persistence.
	now := time.Now().UTC()
	status := domain.StatusPendingNew
	if s.dryRun {
		status = domain.StatusDryRun
	}
	order := domain.Order{
		ClientOrderID: clientOrderID, StrategyID: req.StrategyID, Symbol: req.Symbol,
		Side: req.Side, Qty: req.Qty, OrderType: req.OrderType,
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, TimeInForce: req.TimeInForce,
		ExecutionStyle: domain.ExecutionStyleInstant, Status: status,
		CreatedAt: now, UpdatedAt: now,
		StatusRank: domain.StatusRankOf(status), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			if existing, ok, gerr := s.ledger.GetOrderByClientID(ctx, clientOrderID); gerr == nil && ok {
				release()
				return domain.OrderResponse{Order: existing, Message: "idempotent replay of existing order", Idempotent: true}, nil
			}
		}
		return domain.OrderResponse{}, err
	}

	if s.dryRun {
		release()
		return domain.OrderResponse{Order: order, Message: "accepted in dry-run mode; not dispatched to broker", DryRun: true}, nil
	}

	// Gate 10: broker dispatch.
	ack, err := s.broker.SubmitOrder(ctx, broker.SubmitRequest{
		ClientOrderID: clientOrderID, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty,
		OrderType: req.OrderType, LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, TimeInForce: req.TimeInForce,
	})
	if err != nil {
		release()
		return s.handleBrokerError(ctx, order, err)
	}

	next := order
	next.Status = ack.Status
	next.StatusRank = domain.StatusRankOf(ack.Status)
	next.BrokerOrderID = ack.BrokerOrderID
	next.BrokerUpdatedAt = ack.AckedAt
	next.SourcePriority = domain.SourceManual
	if _, err := s.ledger.UpdateOrderStatusCAS(ctx, clientOrderID, next); err != nil {
		s.logger.Error(ctx, "admission: failed to record broker acknowledgement", err, map[string]interface{}{"client_order_id": clientOrderID})
	}
	if err := s.reserve.Confirm(ctx, token); err != nil {
		s.logger.Warn(ctx, "admission: failed to confirm reservation after broker ack", map[string]interface{}{"client_order_id": clientOrderID, "error": err.Error()})
	}
	released = true

	return domain.OrderResponse{Order: next, Message: "submitted to broker"}, nil
}

func (s *Service) handleBrokerError(ctx context.Context, order domain.Order, err error) (domain.OrderResponse, error) {
	var validationErr *domain.BrokerValidationError
	var rejectionErr *domain.BrokerRejectionError
	if errors.As(err, &validationErr) || errors.As(err, &rejectionErr) {
		rejected := order
		rejected.Status = domain.StatusRejected
		rejected.StatusRank = domain.StatusRankOf(domain.StatusRejected)
		rejected.BrokerUpdatedAt = time.Now().UTC()
		rejected.SourcePriority = domain.SourceManual
		if _, uerr := s.ledger.UpdateOrderStatusCAS(ctx, order.ClientOrderID, rejected); uerr != nil {
			s.logger.Error(ctx, "admission: failed to record broker rejection", uerr, map[string]interface{}{"client_order_id": order.ClientOrderID})
		}
		return domain.OrderResponse{}, err
	}

	var transportErr *domain.BrokerTransportError
	if errors.As(err, &transportErr) {
		return domain.OrderResponse{}, err
	}
	return domain.OrderResponse{}, &domain.BrokerTransportError{Cause: err}
}

func (s *Service) checkFatFinger(ctx context.Context, req Request) error {
	price := req.LimitPrice
	if price == nil {
		price = req.StopPrice
	}
	if price == nil {
		quote, err := s.broker.GetLatestQuote(ctx, req.Symbol)
		if err == nil && time.Since(quote.Timestamp) <= s.maxPriceAge {
			mid := quote.Bid.Add(quote.Ask).DivRound(decimal.NewFromInt(2), 8)
			price = &mid
		}
	}

	var adv *int64
	if s.adv != nil {
		if v, err := s.adv.GetADV(ctx, req.Symbol); err == nil {
			adv = v
		}
	}

	result := s.fatfinger.Validate(fatfinger.Request{Symbol: req.Symbol, Qty: req.Qty.IntPart(), Price: price, ADV: adv})
	if result.Breached {
		return &domain.FatFingerBreachError{Symbol: req.Symbol, Breaches: result.Breaches}
	}
	return nil
}

// validateOrderShape enforces §3's order-type price-field invariants.
func validateOrderShape(req Request) error {
	if req.Qty.LessThanOrEqual(decimal.Zero) {
		return &domain.ValidationError{Field: "qty", Reason: "qty must be positive"}
	}
	switch req.OrderType {
	case domain.OrderTypeMarket:
		if req.LimitPrice != nil || req.StopPrice != nil {
			return &domain.ValidationError{Field: "order_type", Reason: "market orders must not carry limit_price or stop_price"}
		}
	case domain.OrderTypeLimit:
		if req.LimitPrice == nil {
			return &domain.ValidationError{Field: "limit_price", Reason: "limit orders require limit_price"}
		}
	case domain.OrderTypeStop:
		if req.StopPrice == nil {
			return &domain.ValidationError{Field: "stop_price", Reason: "stop orders require stop_price"}
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice == nil || req.StopPrice == nil {
			return &domain.ValidationError{Field: "limit_price", Reason: "stop_limit orders require both limit_price and stop_price"}
		}
		if req.Side == domain.SideBuy && req.LimitPrice.LessThan(*req.StopPrice) {
			return &domain.ValidationError{Field: "limit_price", Reason: "buy stop_limit requires limit_price >= stop_price"}
		}
		if req.Side == domain.SideSell && req.LimitPrice.GreaterThan(*req.StopPrice) {
			return &domain.ValidationError{Field: "limit_price", Reason: "sell stop_limit requires limit_price <= stop_price"}
		}
	default:
		return &domain.ValidationError{Field: "order_type", Reason: "unknown order_type"}
	}
	return nil
}

// Cancel implements the §6.1 CancelOrder operation: a best-effort
// broker-mediated cancel of a non-terminal order, with the resulting
// status applied via the same CAS merge every other status transition
// uses.
func (s *Service) Cancel(ctx context.Context, clientOrderID string) (domain.OrderResponse, error) {
	order, ok, err := s.ledger.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if !ok {
		return domain.OrderResponse{}, &domain.ValidationError{Field: "client_order_id", Reason: "order not found"}
	}
	if order.Status.IsTerminal() {
		return domain.OrderResponse{Order: order, Message: "order already terminal", Idempotent: true}, nil
	}
	if order.BrokerOrderID == "" {
		canceled := order
		canceled.Status = domain.StatusCanceled
		canceled.StatusRank = domain.StatusRankOf(domain.StatusCanceled)
		canceled.BrokerUpdatedAt = time.Now().UTC()
		canceled.SourcePriority = domain.SourceManual
		if _, err := s.ledger.UpdateOrderStatusCAS(ctx, clientOrderID, canceled); err != nil {
			return domain.OrderResponse{}, err
		}
		return domain.OrderResponse{Order: canceled, Message: "canceled before reaching the broker"}, nil
	}

	if err := s.broker.CancelOrder(ctx, clientOrderID); err != nil {
		return domain.OrderResponse{}, &domain.BrokerTransportError{Cause: err}
	}
	canceled := order
	canceled.Status = domain.StatusCanceled
	canceled.StatusRank = domain.StatusRankOf(domain.StatusCanceled)
	canceled.BrokerUpdatedAt = time.Now().UTC()
	canceled.SourcePriority = domain.SourceManual
	if _, err := s.ledger.UpdateOrderStatusCAS(ctx, clientOrderID, canceled); err != nil {
		return domain.OrderResponse{}, err
	}
	return domain.OrderResponse{Order: canceled, Message: "cancel request sent to broker"}, nil
}
