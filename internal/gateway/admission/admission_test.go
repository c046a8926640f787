package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/internal/gateway/broker/mock"
	"github.com/execgateway/core/internal/gateway/coordinator/memcoord"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/fatfinger"
	"github.com/execgateway/core/internal/gateway/gate"
	"github.com/execgateway/core/internal/gateway/ids"
	"github.com/execgateway/core/internal/gateway/ledger/memledger"
	"github.com/execgateway/core/internal/gateway/recovery"
	"github.com/execgateway/core/internal/gateway/reservation"
	"github.com/execgateway/core/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{LogLevel: "error", ServiceName: "test"})
}

func healthyChecker(coord *memcoord.Coordinator) *gate.Checker {
	rec := recovery.New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil, testLogger(),
	)
	rec.AttemptRecovery(context.Background())
	return gate.New(rec, coord, nil)
}

type testFixture struct {
	svc    *Service
	ledger *memledger.Ledger
	broker *mock.Client
	coord  *memcoord.Coordinator
}

type fixtureOpts struct {
	dryRun      bool
	defaultLimit *decimal.Decimal
	ffDefaults  fatfinger.Thresholds
}

func newFixture(opts fixtureOpts) *testFixture {
	led := memledger.New()
	brokerClient := mock.New()
	coord := memcoord.New()
	checker := healthyChecker(coord)
	reserve := reservation.New(coord, time.Minute)
	ff := fatfinger.New(opts.ffDefaults, nil)
	svc := New(led, brokerClient, checker, reserve, ff, nil, testLogger(), opts.dryRun, time.Minute, opts.defaultLimit, nil)
	return &testFixture{svc: svc, ledger: led, broker: brokerClient, coord: coord}
}

// reqClientOrderID mirrors Submit's own idempotency-id derivation so
// tests can look up the persisted order without threading the id back
// out of a failed Submit call.
func reqClientOrderID(req Request) string {
	return ids.ClientOrderID(ids.ClientOrderIDFields{
		Symbol: req.Symbol, Side: string(req.Side), Qty: req.Qty,
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice,
		OrderType: string(req.OrderType), TimeInForce: string(req.TimeInForce),
		StrategyID: req.StrategyID, TradeDate: req.TradeDate,
	})
}

func baseReq() Request {
	return Request{
		Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay,
		StrategyID: "alpha", TradeDate: time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubmit_HappyPathDispatchesToBroker(t *testing.T) {
	f := newFixture(fixtureOpts{})
	resp, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, resp.Idempotent)
	assert.False(t, resp.DryRun)
	assert.Equal(t, domain.StatusAccepted, resp.Order.Status)
	assert.NotEmpty(t, resp.Order.BrokerOrderID)
}

func TestSubmit_RejectsTwapExecutionStyle(t *testing.T) {
	f := newFixture(fixtureOpts{})
	req := baseReq()
	req.ExecutionStyle = domain.ExecutionStyleTWAP
	_, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubmit_OrderShapeValidation(t *testing.T) {
	cases := []struct {
		name string
		mut  func(r *Request)
	}{
		{"negative qty", func(r *Request) { r.Qty = decimal.NewFromInt(-1) }},
		{"zero qty", func(r *Request) { r.Qty = decimal.Zero }},
		{"market with limit price", func(r *Request) {
			r.OrderType = domain.OrderTypeMarket
			v := decimal.NewFromInt(100)
			r.LimitPrice = &v
		}},
		{"limit without limit price", func(r *Request) {
			r.OrderType = domain.OrderTypeLimit
		}},
		{"stop without stop price", func(r *Request) {
			r.OrderType = domain.OrderTypeStop
		}},
		{"stop_limit missing stop price", func(r *Request) {
			r.OrderType = domain.OrderTypeStopLimit
			v := decimal.NewFromInt(100)
			r.LimitPrice = &v
		}},
		{"stop_limit buy requires limit >= stop", func(r *Request) {
			r.OrderType = domain.OrderTypeStopLimit
			limit := decimal.NewFromInt(90)
			stop := decimal.NewFromInt(100)
			r.LimitPrice = &limit
			r.StopPrice = &stop
			r.Side = domain.SideBuy
		}},
		{"stop_limit sell requires limit <= stop", func(r *Request) {
			r.OrderType = domain.OrderTypeStopLimit
			limit := decimal.NewFromInt(110)
			stop := decimal.NewFromInt(100)
			r.LimitPrice = &limit
			r.StopPrice = &stop
			r.Side = domain.SideSell
		}},
		{"unknown order type", func(r *Request) { r.OrderType = domain.OrderType("bracket") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(fixtureOpts{})
			req := baseReq()
			tc.mut(&req)
			_, err := f.svc.Submit(context.Background(), req, AuthContext{})
			require.Error(t, err)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestSubmit_StopLimitAcceptsValidMonotonicity(t *testing.T) {
	f := newFixture(fixtureOpts{})
	req := baseReq()
	req.OrderType = domain.OrderTypeStopLimit
	limit := decimal.NewFromInt(100)
	stop := decimal.NewFromInt(95)
	req.LimitPrice = &limit
	req.StopPrice = &stop
	req.Side = domain.SideBuy

	resp, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, resp.Order.Status)
}

func TestSubmit_KillSwitchBlocksOrder(t *testing.T) {
	f := newFixture(fixtureOpts{})
	require.NoError(t, f.coord.EngageKillSwitch(context.Background(), "test"))

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)
	var gateErr *domain.SafetyGateError
	assert.ErrorAs(t, err, &gateErr)
}

func TestSubmit_CircuitBreakerBlocksOrder(t *testing.T) {
	f := newFixture(fixtureOpts{})
	require.NoError(t, f.coord.TripCircuitBreaker(context.Background(), "test"))

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)
	var gateErr *domain.SafetyGateError
	assert.ErrorAs(t, err, &gateErr)
}

func TestSubmit_QuarantinedSymbolBlocksOrder(t *testing.T) {
	f := newFixture(fixtureOpts{})
	require.NoError(t, f.coord.QuarantineSymbol(context.Background(), "AAPL", "test", time.Minute))

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)
	var gateErr *domain.SafetyGateError
	assert.ErrorAs(t, err, &gateErr)
}

func TestSubmit_FatFingerMaxQtyBreachRejectsOrder(t *testing.T) {
	maxQty := int64(50)
	f := newFixture(fixtureOpts{ffDefaults: fatfinger.Thresholds{MaxQty: &maxQty}})

	req := baseReq()
	req.Qty = decimal.NewFromInt(100)
	_, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.Error(t, err)
	var ffErr *domain.FatFingerBreachError
	assert.ErrorAs(t, err, &ffErr)
}

func TestSubmit_PositionLimitBreachRejectsOrder(t *testing.T) {
	limit := decimal.NewFromInt(100)
	f := newFixture(fixtureOpts{defaultLimit: &limit})

	req := baseReq()
	req.Qty = decimal.NewFromInt(150)
	_, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.Error(t, err)
	var limErr *domain.PositionLimitError
	assert.ErrorAs(t, err, &limErr)
}

func TestSubmit_PositionLimitWithinBoundsIsAccepted(t *testing.T) {
	limit := decimal.NewFromInt(100)
	f := newFixture(fixtureOpts{defaultLimit: &limit})

	req := baseReq()
	req.Qty = decimal.NewFromInt(100)
	resp, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, resp.Order.Status)
}

func TestSubmit_DryRunShortCircuitsBeforeBrokerDispatch(t *testing.T) {
	f := newFixture(fixtureOpts{dryRun: true})

	resp, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.NoError(t, err)
	assert.True(t, resp.DryRun)
	assert.Equal(t, domain.StatusDryRun, resp.Order.Status)
	assert.Empty(t, resp.Order.BrokerOrderID)

	_, ok, err := f.broker.GetOrderByClientID(context.Background(), resp.Order.ClientOrderID)
	require.NoError(t, err)
	assert.False(t, ok, "dry-run orders must never reach the broker")
}

func TestSubmit_IdempotentDoubleSubmitDoesNotReDispatchToBroker(t *testing.T) {
	f := newFixture(fixtureOpts{})
	req := baseReq()

	first, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)
	require.False(t, first.Idempotent)
	firstBrokerID := first.Order.BrokerOrderID
	require.NotEmpty(t, firstBrokerID)

	second, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Order.ClientOrderID, second.Order.ClientOrderID)
	assert.Equal(t, firstBrokerID, second.Order.BrokerOrderID, "replay must not mint a second broker order")
}

func TestSubmit_DifferentTradeDateProducesDistinctOrder(t *testing.T) {
	f := newFixture(fixtureOpts{})
	req := baseReq()

	first, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)

	req.TradeDate = req.TradeDate.Add(24 * time.Hour)
	second, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)

	assert.NotEqual(t, first.Order.ClientOrderID, second.Order.ClientOrderID)
	assert.False(t, second.Idempotent)
}

func TestSubmit_BrokerValidationErrorMarksOrderRejected(t *testing.T) {
	f := newFixture(fixtureOpts{})
	f.broker.SubmitErr = &domain.BrokerValidationError{Code: "bad_symbol", Message: "unknown symbol"}

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)
	var verr *domain.BrokerValidationError
	require.ErrorAs(t, err, &verr)

	req := baseReq()
	clientOrderID := reqClientOrderID(req)
	order, ok, gerr := f.ledger.GetOrderByClientID(context.Background(), clientOrderID)
	require.NoError(t, gerr)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRejected, order.Status)
}

func TestSubmit_BrokerRejectionErrorMarksOrderRejected(t *testing.T) {
	f := newFixture(fixtureOpts{})
	f.broker.SubmitErr = &domain.BrokerRejectionError{Code: "insufficient_buying_power", Message: "rejected"}

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)
	var rerr *domain.BrokerRejectionError
	assert.ErrorAs(t, err, &rerr)

	req := baseReq()
	clientOrderID := reqClientOrderID(req)
	order, ok, gerr := f.ledger.GetOrderByClientID(context.Background(), clientOrderID)
	require.NoError(t, gerr)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRejected, order.Status)
}

func TestSubmit_BrokerTransportErrorSurfacesAsTransportErrorAndLeavesOrderPendingNew(t *testing.T) {
	f := newFixture(fixtureOpts{})
	f.broker.SubmitErr = errors.New("connection reset")

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)
	var terr *domain.BrokerTransportError
	require.ErrorAs(t, err, &terr)

	req := baseReq()
	clientOrderID := reqClientOrderID(req)
	order, ok, gerr := f.ledger.GetOrderByClientID(context.Background(), clientOrderID)
	require.NoError(t, gerr)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPendingNew, order.Status, "a transport failure must not claim broker-side knowledge of the order")
}

func TestSubmit_BrokerTransportErrorReleasesReservation(t *testing.T) {
	limit := decimal.NewFromInt(100)
	f := newFixture(fixtureOpts{defaultLimit: &limit})
	f.broker.SubmitErr = errors.New("timeout")

	_, err := f.svc.Submit(context.Background(), baseReq(), AuthContext{})
	require.Error(t, err)

	qty, err := f.coord.GetReservedQty(context.Background(), "AAPL", domain.SideBuy)
	require.NoError(t, err)
	assert.True(t, qty.IsZero(), "a failed dispatch must release its position reservation")
}

func TestCancel_TerminalOrderIsIdempotentNoOp(t *testing.T) {
	f := newFixture(fixtureOpts{})
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.ledger.CreateOrder(ctx, domain.Order{
		ClientOrderID: "ord-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, Status: domain.StatusFilled,
		StatusRank: domain.StatusRankOf(domain.StatusFilled), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))

	resp, err := f.svc.Cancel(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, resp.Idempotent)
	assert.Equal(t, domain.StatusFilled, resp.Order.Status)
}

func TestCancel_UnknownOrderIsValidationError(t *testing.T) {
	f := newFixture(fixtureOpts{})
	_, err := f.svc.Cancel(context.Background(), "ghost")
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCancel_PreBrokerOrderCancelsDirectlyWithoutBrokerCall(t *testing.T) {
	f := newFixture(fixtureOpts{})
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.ledger.CreateOrder(ctx, domain.Order{
		ClientOrderID: "ord-2", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, Status: domain.StatusPendingNew,
		StatusRank: domain.StatusRankOf(domain.StatusPendingNew), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))

	resp, err := f.svc.Cancel(ctx, "ord-2")
	require.NoError(t, err)
	assert.False(t, resp.Idempotent)
	assert.Equal(t, domain.StatusCanceled, resp.Order.Status)
}

func TestCancel_BrokerMediatedCancelSucceeds(t *testing.T) {
	f := newFixture(fixtureOpts{})
	req := baseReq()
	submitted, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)
	require.NotEmpty(t, submitted.Order.BrokerOrderID)

	resp, err := f.svc.Cancel(context.Background(), submitted.Order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, resp.Order.Status)

	brokerOrder, ok, err := f.broker.GetOrderByClientID(context.Background(), submitted.Order.ClientOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCanceled, brokerOrder.Status)
}

func TestCancel_BrokerTransportErrorSurfacesAsTransportError(t *testing.T) {
	f := newFixture(fixtureOpts{})
	req := baseReq()
	submitted, err := f.svc.Submit(context.Background(), req, AuthContext{})
	require.NoError(t, err)

	f.broker.CancelErr = errors.New("connection reset")
	_, err = f.svc.Cancel(context.Background(), submitted.Order.ClientOrderID)
	require.Error(t, err)
	var terr *domain.BrokerTransportError
	assert.ErrorAs(t, err, &terr)
}
