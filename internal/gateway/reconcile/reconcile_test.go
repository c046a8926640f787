package reconcile

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
	"github.com/execgateway/core/internal/gateway/ledger/memledger"
	"github.com/execgateway/core/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{LogLevel: "error", ServiceName: "test"})
}

func newTestReconciler() (*Reconciler, *mock.Client, *memledger.Ledger) {
	brokerClient := mock.New()
	led := memledger.New()
	r := New(brokerClient, led, memcoord.New(), testLogger(), time.Minute, 30*time.Second)
	return r, brokerClient, led
}

func TestAllowsOrder_CompleteStateAdmitsEverything(t *testing.T) {
	r, _, _ := newTestReconciler()
	r.Complete(context.Background())

	err := r.AllowsOrder(context.Background(), "AAPL", domain.SideBuy, decimal.NewFromInt(1000))
	assert.NoError(t, err)
}

func TestAllowsOrder_InProgressReduceOnlyTable(t *testing.T) {
	cases := []struct {
		name            string
		position        int64
		side            domain.OrderSide
		qty             int64
		pendingSameSide int64
		wantAllowed     bool
	}{
		{"long position, sell within size", 100, domain.SideSell, 50, 0, true},
		{"long position, sell exactly flat", 100, domain.SideSell, 100, 0, true},
		{"long position, sell more than held", 100, domain.SideSell, 150, 0, false},
		{"long position, buy is not reduce-only", 100, domain.SideBuy, 10, 0, false},
		{"short position, buy within size", -100, domain.SideBuy, 50, 0, true},
		{"short position, buy more than held", -100, domain.SideBuy, 150, 0, false},
		{"flat position admits nothing as reduce-only", 0, domain.SideSell, 1, 0, false},
		{"long position, sell net of pending same-side orders", 100, domain.SideSell, 40, 70, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, brokerClient, _ := newTestReconciler()
			brokerClient.SetPosition("AAPL", decimal.NewFromInt(tc.position))
			if tc.pendingSameSide != 0 {
				brokerClient.SetOpenOrders("AAPL", []broker.OpenOrder{
					{ClientOrderID: "pending-1", Side: tc.side, RemainingQty: decimal.NewFromInt(tc.pendingSameSide)},
				})
			}

			err := r.AllowsOrder(context.Background(), "AAPL", tc.side, decimal.NewFromInt(tc.qty))
			if tc.wantAllowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				var gateErr *domain.SafetyGateError
				assert.ErrorAs(t, err, &gateErr)
			}
		})
	}
}

func TestAllowsOrder_OverrideActiveAdmitsEverything(t *testing.T) {
	r, _, _ := newTestReconciler()
	require.NoError(t, r.ActivateOverride(context.Background(), "ops-oncall", "manual restart", time.Minute))

	err := r.AllowsOrder(context.Background(), "AAPL", domain.SideBuy, decimal.NewFromInt(1000))
	assert.NoError(t, err)
}

func TestActivateOverride_SecondCallConflicts(t *testing.T) {
	r, _, _ := newTestReconciler()
	require.NoError(t, r.ActivateOverride(context.Background(), "ops-oncall", "reason", time.Minute))

	err := r.ActivateOverride(context.Background(), "ops-oncall-2", "reason2", time.Minute)
	require.Error(t, err)
	var conflictErr *domain.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestDeactivateOverride_RestoresInProgressGating(t *testing.T) {
	r, _, _ := newTestReconciler()
	require.NoError(t, r.ActivateOverride(context.Background(), "ops-oncall", "reason", time.Minute))
	require.NoError(t, r.DeactivateOverride(context.Background(), "ops-oncall"))

	assert.Equal(t, StateInProgress, r.State())
}

func TestReconcileStaleModifications_FinalizesWhenBrokerHasReplacement(t *testing.T) {
	r, brokerClient, led := newTestReconciler()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, led.InsertPendingModification(ctx, domain.ModificationRecord{
		IdempotencyKey:   "idem-1",
		ClientOrderID:    "orig-1",
		NewClientOrderID: "orig-1-r1",
		Status:           domain.ModificationPending,
		CreatedAt:        past,
		UpdatedAt:        past,
	}))
	_, err := brokerClient.SubmitOrder(ctx, broker.SubmitRequest{ClientOrderID: "orig-1-r1", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10)})
	require.NoError(t, err)

	r.reconcileStaleModifications(ctx)

	mod, ok, err := led.GetModificationByIdempotencyKey(ctx, "idem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ModificationCompleted, mod.Status)
}

func TestReconcileStaleModifications_FailsWhenBrokerHasNoRecord(t *testing.T) {
	r, _, led := newTestReconciler()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, led.InsertPendingModification(ctx, domain.ModificationRecord{
		IdempotencyKey:   "idem-2",
		ClientOrderID:    "orig-2",
		NewClientOrderID: "orig-2-r1",
		Status:           domain.ModificationPending,
		CreatedAt:        past,
		UpdatedAt:        past,
	}))

	r.reconcileStaleModifications(ctx)

	mod, ok, err := led.GetModificationByIdempotencyKey(ctx, "idem-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ModificationFailed, mod.Status)
}

func TestReconcileOrder_AppliesDominatingBrokerStatus(t *testing.T) {
	r, brokerClient, led := newTestReconciler()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, led.CreateOrder(ctx, domain.Order{
		ClientOrderID: "ord-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10),
		Status: domain.StatusPendingNew, StatusRank: domain.StatusRankOf(domain.StatusPendingNew),
		BrokerUpdatedAt: now, SourcePriority: domain.SourceManual,
	}))
	_, err := brokerClient.SubmitOrder(ctx, broker.SubmitRequest{ClientOrderID: "ord-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10)})
	require.NoError(t, err)

	require.NoError(t, r.ReconcileOrder(ctx, "ord-1"))

	updated, ok, err := led.GetOrderByClientID(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusAccepted, updated.Status)
	assert.Equal(t, domain.SourceReconciliation, updated.SourcePriority)
}

func TestRunAndStop_ExitsCleanly(t *testing.T) {
	r, _, _ := newTestReconciler()
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
