// Package mock is an in-memory broker.Client for tests and for local
// dry-run deployments where Broker.DryRun is true.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/broker"
	"github.com/execgateway/core/internal/gateway/domain"
)

// Client is a deterministic, programmable fake. Tests configure
// SubmitErr/ReplaceErr/CancelErr directly; absent configuration, SubmitOrder
// always accepts.
type Client struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	positions map[string]broker.OpenPosition
	openOrders map[string][]broker.OpenOrder
	quotes    map[string]broker.Quote

	SubmitErr  error
	ReplaceErr error
	CancelErr  error
}

// New constructs an empty mock broker.
func New() *Client {
	return &Client{
		orders:     make(map[string]domain.Order),
		positions:  make(map[string]broker.OpenPosition),
		openOrders: make(map[string][]broker.OpenOrder),
		quotes:     make(map[string]broker.Quote),
	}
}

func (c *Client) SubmitOrder(_ context.Context, req broker.SubmitRequest) (broker.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubmitErr != nil {
		return broker.Ack{}, c.SubmitErr
	}

	brokerOrderID := "brk-" + req.ClientOrderID
	c.orders[req.ClientOrderID] = domain.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		Status:        domain.StatusAccepted,
		BrokerOrderID: brokerOrderID,
	}
	return broker.Ack{BrokerOrderID: brokerOrderID, Status: domain.StatusAccepted, AckedAt: time.Now()}, nil
}

func (c *Client) CancelOrder(_ context.Context, clientOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CancelErr != nil {
		return c.CancelErr
	}
	if o, ok := c.orders[clientOrderID]; ok {
		o.Status = domain.StatusCanceled
		c.orders[clientOrderID] = o
	}
	return nil
}

func (c *Client) ReplaceOrder(_ context.Context, req broker.ReplaceRequest) (broker.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReplaceErr != nil {
		return broker.Ack{}, c.ReplaceErr
	}

	original, ok := c.orders[req.OriginalClientOrderID]
	if !ok {
		return broker.Ack{}, &domain.BrokerValidationError{Code: "unknown_order", Message: "original order not found"}
	}
	original.Status = domain.StatusReplaced
	c.orders[req.OriginalClientOrderID] = original

	brokerOrderID := "brk-" + req.NewClientOrderID
	replacement := original
	replacement.ClientOrderID = req.NewClientOrderID
	replacement.BrokerOrderID = brokerOrderID
	replacement.Status = domain.StatusAccepted
	if req.NewQty != nil {
		replacement.Qty = *req.NewQty
	}
	if req.NewLimitPrice != nil {
		replacement.LimitPrice = req.NewLimitPrice
	}
	c.orders[req.NewClientOrderID] = replacement

	return broker.Ack{BrokerOrderID: brokerOrderID, Status: domain.StatusAccepted, AckedAt: time.Now()}, nil
}

func (c *Client) GetOrderByClientID(_ context.Context, clientOrderID string) (domain.Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[clientOrderID]
	return o, ok, nil
}

func (c *Client) GetOpenPosition(_ context.Context, symbol string) (broker.OpenPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.positions[symbol]; ok {
		return p, nil
	}
	return broker.OpenPosition{Symbol: symbol, Qty: decimal.Zero}, nil
}

func (c *Client) GetOpenOrders(_ context.Context, symbol string) ([]broker.OpenOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openOrders[symbol], nil
}

func (c *Client) GetLatestQuote(_ context.Context, symbol string) (broker.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.quotes[symbol]; ok {
		return q, nil
	}
	return broker.Quote{}, &domain.BrokerValidationError{Code: "no_quote", Message: "no quote available for " + symbol}
}

// SetPosition seeds the broker's authoritative position for a symbol, for
// reconciliation tests.
func (c *Client) SetPosition(symbol string, qty decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = broker.OpenPosition{Symbol: symbol, Qty: qty}
}

// SetOpenOrders seeds the broker's open-order book for a symbol.
func (c *Client) SetOpenOrders(symbol string, orders []broker.OpenOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openOrders[symbol] = orders
}

// SetQuote seeds a quote for a symbol.
func (c *Client) SetQuote(symbol string, q broker.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = q
}

var _ broker.Client = (*Client)(nil)
