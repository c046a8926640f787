package ids

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func baseFields() ClientOrderIDFields {
	return ClientOrderIDFields{
		Symbol:      "AAPL",
		Side:        "buy",
		Qty:         decimal.NewFromInt(150),
		OrderType:   "limit",
		TimeInForce: "day",
		StrategyID:  "strat-1",
		TradeDate:   time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestClientOrderID_DeterministicAndLength(t *testing.T) {
	f := baseFields()
	id1 := ClientOrderID(f)
	id2 := ClientOrderID(f)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 24)
	assert.Regexp(t, "^[0-9a-f]{24}$", id1)
}

func TestClientOrderID_PriceRepresentationIsNormalized(t *testing.T) {
	a := baseFields()
	p1 := decimal.NewFromFloat(150.0)
	a.LimitPrice = &p1

	b := baseFields()
	p2 := decimal.RequireFromString("150.00")
	b.LimitPrice = &p2

	assert.Equal(t, ClientOrderID(a), ClientOrderID(b))
}

func TestClientOrderID_FieldChangesProduceDifferentIDs(t *testing.T) {
	base := baseFields()
	baseID := ClientOrderID(base)

	variants := []func(f *ClientOrderIDFields){
		func(f *ClientOrderIDFields) { f.Symbol = "MSFT" },
		func(f *ClientOrderIDFields) { f.Side = "sell" },
		func(f *ClientOrderIDFields) { f.Qty = decimal.NewFromInt(151) },
		func(f *ClientOrderIDFields) { p := decimal.NewFromInt(10); f.LimitPrice = &p },
		func(f *ClientOrderIDFields) { p := decimal.NewFromInt(10); f.StopPrice = &p },
		func(f *ClientOrderIDFields) { f.OrderType = "market" },
		func(f *ClientOrderIDFields) { f.TimeInForce = "gtc" },
		func(f *ClientOrderIDFields) { f.StrategyID = "strat-2" },
		func(f *ClientOrderIDFields) { f.TradeDate = f.TradeDate.AddDate(0, 0, 1) },
	}

	for _, mutate := range variants {
		f := baseFields()
		mutate(&f)
		assert.NotEqual(t, baseID, ClientOrderID(f))
	}
}

func TestManualOperationID_Deterministic(t *testing.T) {
	f := ManualOperationIDFields{
		Action:    "flatten",
		Symbol:    "AAPL",
		Side:      "sell",
		Qty:       decimal.NewFromInt(100),
		UserID:    "operator-1",
		TradeDate: time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
	}
	id1 := ManualOperationID(f)
	id2 := ManualOperationID(f)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 24)

	f.Action = "close"
	assert.NotEqual(t, id1, ManualOperationID(f))
}
