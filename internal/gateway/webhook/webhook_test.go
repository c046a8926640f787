package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/internal/gateway/coordinator/memcoord"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/ledger/memledger"
	"github.com/execgateway/core/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{LogLevel: "error", ServiceName: "test"})
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_AcceptsValidMAC(t *testing.T) {
	i := New(memledger.New(), memcoord.New(), testLogger(), "shared-secret")
	body := []byte(`{"client_order_id":"ord-1"}`)
	assert.NoError(t, i.VerifySignature(body, sign("shared-secret", body)))
}

func TestVerifySignature_RejectsTamperedBody(t *testing.T) {
	i := New(memledger.New(), memcoord.New(), testLogger(), "shared-secret")
	body := []byte(`{"client_order_id":"ord-1"}`)
	sig := sign("shared-secret", body)
	tampered := []byte(`{"client_order_id":"ord-2"}`)

	err := i.VerifySignature(tampered, sig)
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestVerifySignature_RejectsMalformedHex(t *testing.T) {
	i := New(memledger.New(), memcoord.New(), testLogger(), "shared-secret")
	err := i.VerifySignature([]byte("body"), "not-hex!!")
	require.Error(t, err)
}

func seedOrder(t *testing.T, led *memledger.Ledger, clientOrderID string, status domain.OrderStatus, statusRank int, updatedAt time.Time) {
	t.Helper()
	seedOrderWithSide(t, led, clientOrderID, domain.SideBuy, status, statusRank, updatedAt)
}

func seedOrderWithSide(t *testing.T, led *memledger.Ledger, clientOrderID string, side domain.OrderSide, status domain.OrderStatus, statusRank int, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, led.CreateOrder(context.Background(), domain.Order{
		ClientOrderID: clientOrderID, Symbol: "AAPL", Side: side, Qty: decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket, TimeInForce: domain.TIFDay,
		Status: status, StatusRank: statusRank, BrokerUpdatedAt: updatedAt, SourcePriority: domain.SourceManual,
	}))
}

func TestIngest_DominatingStatusUpdateIsApplied(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")
	now := time.Now().UTC()
	seedOrder(t, led, "ord-1", domain.StatusPendingNew, domain.StatusRankOf(domain.StatusPendingNew), now)

	applied, err := i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-1", BrokerOrderID: "brk-1", Status: domain.StatusAccepted,
		BrokerUpdatedAt: now.Add(time.Second), Source: domain.SourceWebhook,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	updated, ok, err := led.GetOrderByClientID(context.Background(), "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusAccepted, updated.Status)
}

func TestIngest_StaleOutOfOrderEventIsIgnoredNotError(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")
	now := time.Now().UTC()
	seedOrder(t, led, "ord-2", domain.StatusAccepted, domain.StatusRankOf(domain.StatusAccepted), now)

	// A pending_new event arriving after accepted is stale under the
	// status-rank-dominant ordering and must not regress the order.
	applied, err := i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-2", Status: domain.StatusPendingNew,
		BrokerUpdatedAt: now.Add(-time.Minute), Source: domain.SourceWebhook,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	unchanged, ok, err := led.GetOrderByClientID(context.Background(), "ord-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusAccepted, unchanged.Status)
}

func TestIngest_DuplicateFillIsIgnored(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")
	now := time.Now().UTC()
	seedOrder(t, led, "ord-3", domain.StatusAccepted, domain.StatusRankOf(domain.StatusAccepted), now)

	fillEvent := Event{
		ClientOrderID: "ord-3", Status: domain.StatusPartiallyFilled,
		BrokerUpdatedAt: now.Add(time.Second), Source: domain.SourceWebhook,
		Fill: &FillEvent{FillID: "fill-1", Qty: decimal.NewFromInt(40), Price: decimal.NewFromFloat(101.5), Timestamp: now.Add(time.Second)},
	}
	applied1, err := i.Ingest(context.Background(), fillEvent)
	require.NoError(t, err)
	assert.True(t, applied1)

	replay := fillEvent
	replay.BrokerUpdatedAt = now.Add(2 * time.Second)
	applied2, err := i.Ingest(context.Background(), replay)
	require.NoError(t, err)
	assert.True(t, applied2) // status/timestamp advances even though the fill itself is a duplicate

	pos, ok, err := led.GetPositionBySymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(40)), "duplicate fill must not double-apply to the position")
}

func TestIngest_SameDirectionFillsWeightAveragePrice(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")
	now := time.Now().UTC()
	seedOrder(t, led, "ord-4", domain.StatusAccepted, domain.StatusRankOf(domain.StatusAccepted), now)

	_, err := i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-4", Status: domain.StatusPartiallyFilled, BrokerUpdatedAt: now.Add(time.Second), Source: domain.SourceWebhook,
		Fill: &FillEvent{FillID: "fill-1", Qty: decimal.NewFromInt(50), Price: decimal.NewFromInt(100), Timestamp: now.Add(time.Second)},
	})
	require.NoError(t, err)

	_, err = i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-4", Status: domain.StatusPartiallyFilled, BrokerUpdatedAt: now.Add(2 * time.Second), Source: domain.SourceWebhook,
		Fill: &FillEvent{FillID: "fill-2", Qty: decimal.NewFromInt(50), Price: decimal.NewFromInt(110), Timestamp: now.Add(2 * time.Second)},
	})
	require.NoError(t, err)

	pos, ok, err := led.GetPositionBySymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(105)), "expected weighted avg 105, got %s", pos.AvgEntryPrice)
}

func TestIngest_CrossZeroRealizesPLAndFlipsSide(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")
	now := time.Now().UTC()

	seedOrder(t, led, "ord-5", domain.StatusAccepted, domain.StatusRankOf(domain.StatusAccepted), now)
	_, err := i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-5", Status: domain.StatusFilled, BrokerUpdatedAt: now.Add(time.Second), Source: domain.SourceWebhook,
		Fill: &FillEvent{FillID: "fill-1", Qty: decimal.NewFromInt(100), Price: decimal.NewFromInt(100), Timestamp: now.Add(time.Second)},
	})
	require.NoError(t, err)

	seedOrderWithSide(t, led, "ord-6", domain.SideSell, domain.StatusAccepted, domain.StatusRankOf(domain.StatusAccepted), now)
	_, err = i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-6", Status: domain.StatusFilled, BrokerUpdatedAt: now.Add(2 * time.Second), Source: domain.SourceWebhook,
		Fill: &FillEvent{FillID: "fill-2", Qty: decimal.NewFromInt(150), Price: decimal.NewFromInt(90), Timestamp: now.Add(2 * time.Second)},
	})
	require.NoError(t, err)

	pos, ok, err := led.GetPositionBySymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(-50)), "expected position to flip to -50, got %s", pos.Qty)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(90)))
	assert.True(t, pos.RealizedPL.Equal(decimal.NewFromInt(-1000)), "expected realized PL -1000 from closing the long at a loss, got %s", pos.RealizedPL)
}

func TestIngest_UnknownOrderIsInternalConsistencyError(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")

	_, err := i.Ingest(context.Background(), Event{ClientOrderID: "ghost", Status: domain.StatusAccepted, BrokerUpdatedAt: time.Now().UTC()})
	require.Error(t, err)
	var icErr *domain.InternalConsistencyError
	assert.ErrorAs(t, err, &icErr)
}

func TestIngest_InvalidatesPerformanceCacheOnFill(t *testing.T) {
	led := memledger.New()
	coord := memcoord.New()
	i := New(led, coord, testLogger(), "secret")
	now := time.Now().UTC()
	seedOrder(t, led, "ord-7", domain.StatusAccepted, domain.StatusRankOf(domain.StatusAccepted), now)

	_, err := i.Ingest(context.Background(), Event{
		ClientOrderID: "ord-7", Status: domain.StatusFilled, BrokerUpdatedAt: now.Add(time.Second), Source: domain.SourceWebhook,
		Fill: &FillEvent{FillID: "fill-1", Qty: decimal.NewFromInt(100), Price: decimal.NewFromInt(100), Timestamp: now.Add(time.Second)},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, coord.InvalidationCount(now.Add(time.Second)))
}
