// Package broker defines the execution venue contract the gateway submits
// orders to and reads fills/positions from. It is deliberately narrower
// than a full exchange client: only order lifecycle and the read paths
// OrderAdmission, the ModificationEngine, and StartupReconciler need.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/domain"
)

// SubmitRequest is what the gateway sends to place a new order.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Qty           decimal.Decimal
	OrderType     domain.OrderType
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   domain.TimeInForce
}

// ReplaceRequest is what the gateway sends to cancel-replace an open
// order; NewClientOrderID must be distinct from the original so the
// broker's own idempotency keying does not collide.
type ReplaceRequest struct {
	OriginalClientOrderID string
	NewClientOrderID      string
	NewQty                *decimal.Decimal
	NewLimitPrice         *decimal.Decimal
}

// Ack is the broker's synchronous acknowledgement of a submit/replace
// call — it does not imply a fill, only that the broker accepted and is
// now the authoritative owner of the order's lifecycle.
type Ack struct {
	BrokerOrderID string
	Status        domain.OrderStatus
	AckedAt       time.Time
}

// Quote is a best bid/ask snapshot used by FatFingerValidator's notional
// check when the order itself carries no price (market orders).
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// OpenPosition is the broker's authoritative signed position for a
// symbol, consulted by the reduce-only gate during startup reconciliation.
type OpenPosition struct {
	Symbol string
	Qty    decimal.Decimal // signed: positive long, negative short
}

// OpenOrder is a still-working order as the broker sees it, used to
// compute pending same-side quantity for the reduce-only gate.
type OpenOrder struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	RemainingQty  decimal.Decimal
}

// Client is the gateway's view of the broker. Every method is expected to
// have a caller-supplied context deadline; a timeout must surface as
// *domain.BrokerTransportError so admission can distinguish "broker said
// no" from "we don't know what the broker said".
type Client interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (Ack, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	ReplaceOrder(ctx context.Context, req ReplaceRequest) (Ack, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, bool, error)

	GetOpenPosition(ctx context.Context, symbol string) (OpenPosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}
