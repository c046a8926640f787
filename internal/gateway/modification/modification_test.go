package modification

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/internal/gateway/broker"
	"github.com/execgateway/core/internal/gateway/broker/mock"
	"github.com/execgateway/core/internal/gateway/coordinator/memcoord"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/gate"
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
	engine  *Engine
	ledger  *memledger.Ledger
	broker  *mock.Client
	coord   *memcoord.Coordinator
	reserve *reservation.Manager
}

func newFixture() *testFixture {
	led := memledger.New()
	brokerClient := mock.New()
	coord := memcoord.New()
	checker := healthyChecker(coord)
	reserve := reservation.New(coord, time.Minute)
	engine := New(led, brokerClient, coord, checker, reserve, testLogger(), time.Second)
	return &testFixture{engine: engine, ledger: led, broker: brokerClient, coord: coord, reserve: reserve}
}

func seedOrder(t *testing.T, f *testFixture, clientOrderID string, qty decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.ledger.CreateOrder(ctx, domain.Order{
		ClientOrderID: clientOrderID, Symbol: "AAPL", Side: domain.SideBuy, Qty: qty,
		OrderType: domain.OrderTypeLimit, LimitPrice: decimalPtr("100.00"),
		TimeInForce: domain.TIFDay, Status: domain.StatusAccepted,
		BrokerOrderID: "brk-" + clientOrderID,
		StatusRank:    domain.StatusRankOf(domain.StatusAccepted),
		BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))
	_, err := f.broker.SubmitOrder(ctx, broker.SubmitRequest{
		ClientOrderID: clientOrderID, Symbol: "AAPL", Side: domain.SideBuy, Qty: qty,
	})
	require.NoError(t, err)
}

func decimalPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestModify_HappyPathReplacesOrderAndCompletes(t *testing.T) {
	f := newFixture()
	seedOrder(t, f, "orig-1", decimal.NewFromInt(100))

	newQty := decimal.NewFromInt(150)
	resp, err := f.engine.Modify(context.Background(), Request{
		OriginalClientOrderID: "orig-1",
		IdempotencyKey:        "idem-1",
		NewQty:                &newQty,
		Now:                   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ModificationCompleted, resp.Modification.Status)
	assert.False(t, resp.Idempotent)
	require.NotNil(t, resp.Modification.ReplacementOrderID)

	replacement, ok, err := f.ledger.GetOrderByClientID(context.Background(), *resp.Modification.ReplacementOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, replacement.Qty.Equal(newQty))
	assert.NotNil(t, replacement.ReplacesOrderID)
	assert.Equal(t, "orig-1", *replacement.ReplacesOrderID)

	original, ok, err := f.ledger.GetOrderByClientID(context.Background(), "orig-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReplaced, original.Status)
}

func TestModify_DoubleSubmitWithSameIdempotencyKeyReplaysWithoutSecondBrokerCall(t *testing.T) {
	f := newFixture()
	seedOrder(t, f, "orig-2", decimal.NewFromInt(100))

	newQty := decimal.NewFromInt(120)
	req := Request{OriginalClientOrderID: "orig-2", IdempotencyKey: "idem-2", NewQty: &newQty, Now: time.Now().UTC()}

	first, err := f.engine.Modify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Idempotent)

	second, err := f.engine.Modify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Modification.NewClientOrderID, second.Modification.NewClientOrderID)
}

func TestModify_RejectsReducingQtyBelowFilled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.ledger.CreateOrder(ctx, domain.Order{
		ClientOrderID: "orig-3", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, Status: domain.StatusPartiallyFilled,
		BrokerOrderID: "brk-orig-3", FilledQty: decimal.NewFromInt(60),
		StatusRank: domain.StatusRankOf(domain.StatusPartiallyFilled), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))

	newQty := decimal.NewFromInt(50)
	_, err := f.engine.Modify(ctx, Request{OriginalClientOrderID: "orig-3", IdempotencyKey: "idem-3", NewQty: &newQty, Now: now})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestModify_RejectsTerminalOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.ledger.CreateOrder(ctx, domain.Order{
		ClientOrderID: "orig-4", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, Status: domain.StatusFilled,
		BrokerOrderID: "brk-orig-4",
		StatusRank:    domain.StatusRankOf(domain.StatusFilled), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))

	newQty := decimal.NewFromInt(200)
	_, err := f.engine.Modify(ctx, Request{OriginalClientOrderID: "orig-4", IdempotencyKey: "idem-4", NewQty: &newQty, Now: now})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestModify_ConcurrentAttemptsOnSameOrderConflict(t *testing.T) {
	f := newFixture()
	seedOrder(t, f, "orig-5", decimal.NewFromInt(100))

	token := "holder-token"
	held, err := f.coord.TryLock(context.Background(), "modify:orig-5", token, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	newQty := decimal.NewFromInt(150)
	_, err = f.engine.Modify(context.Background(), Request{OriginalClientOrderID: "orig-5", IdempotencyKey: "idem-5", NewQty: &newQty, Now: time.Now().UTC()})
	require.Error(t, err)
	var conflictErr *domain.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestModify_RiskReducingQtyDecreaseBypassesPreTradeGate(t *testing.T) {
	f := newFixture()
	seedOrder(t, f, "orig-6", decimal.NewFromInt(100))

	require.NoError(t, f.coord.EngageKillSwitch(context.Background(), "test"))

	newQty := decimal.NewFromInt(50)
	resp, err := f.engine.Modify(context.Background(), Request{OriginalClientOrderID: "orig-6", IdempotencyKey: "idem-6", NewQty: &newQty, Now: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, domain.ModificationCompleted, resp.Modification.Status)
}

func TestModify_QtyIncreaseIsBlockedByKillSwitch(t *testing.T) {
	f := newFixture()
	seedOrder(t, f, "orig-7", decimal.NewFromInt(100))

	require.NoError(t, f.coord.EngageKillSwitch(context.Background(), "test"))

	newQty := decimal.NewFromInt(150)
	_, err := f.engine.Modify(context.Background(), Request{OriginalClientOrderID: "orig-7", IdempotencyKey: "idem-7", NewQty: &newQty, Now: time.Now().UTC()})
	require.Error(t, err)
	var gateErr *domain.SafetyGateError
	assert.ErrorAs(t, err, &gateErr)
}

func TestModify_RejectsTwapOrders(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.ledger.CreateOrder(ctx, domain.Order{
		ClientOrderID: "orig-8", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, Status: domain.StatusAccepted,
		ExecutionStyle: domain.ExecutionStyleTWAP, BrokerOrderID: "brk-orig-8",
		StatusRank: domain.StatusRankOf(domain.StatusAccepted), BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))

	newQty := decimal.NewFromInt(150)
	_, err := f.engine.Modify(ctx, Request{OriginalClientOrderID: "orig-8", IdempotencyKey: "idem-8", NewQty: &newQty, Now: now})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}
