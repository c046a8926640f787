// Package twap computes deterministic TWAP slicing plans (§4.3): given a
// parent order and a duration/interval, it decomposes the quantity into
// evenly-sized, front-loaded child slices with strictly ascending
// schedule times and stable ids. The slicer is a pure function — it
// touches neither the Ledger nor the Coordinator.
package twap

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/ids"
)

// Request describes a parent order to be sliced.
type Request struct {
	Symbol          string
	Side            domain.OrderSide
	Qty             int64
	OrderType       domain.OrderType
	LimitPrice      *decimal.Decimal
	StopPrice       *decimal.Decimal
	TimeInForce     domain.TimeInForce
	StrategyID      string
	DurationMinutes int
	IntervalSeconds int
	TradeDate       time.Time // zero value means "UTC date at planning"
	Now             time.Time // injected planning instant, required (no implicit clock read)
}

func (r Request) tradeDate() time.Time {
	if r.TradeDate.IsZero() {
		return r.Now
	}
	return r.TradeDate
}

// Plan validates req and returns its deterministic SlicingPlan, or a
// *domain.ValidationError describing the first violated precondition.
func Plan(req Request) (domain.SlicingPlan, error) {
	if req.Qty < 1 {
		return domain.SlicingPlan{}, &domain.ValidationError{Field: "qty", Reason: "must be >= 1"}
	}
	if req.DurationMinutes < 1 {
		return domain.SlicingPlan{}, &domain.ValidationError{Field: "duration_minutes", Reason: "must be >= 1"}
	}
	if req.IntervalSeconds < 1 {
		return domain.SlicingPlan{}, &domain.ValidationError{Field: "interval_seconds", Reason: "must be >= 1"}
	}
	switch req.OrderType {
	case domain.OrderTypeLimit:
		if req.LimitPrice == nil {
			return domain.SlicingPlan{}, &domain.ValidationError{Field: "limit_price", Reason: "required for limit orders"}
		}
	case domain.OrderTypeStop:
		if req.StopPrice == nil {
			return domain.SlicingPlan{}, &domain.ValidationError{Field: "stop_price", Reason: "required for stop orders"}
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice == nil || req.StopPrice == nil {
			return domain.SlicingPlan{}, &domain.ValidationError{Field: "limit_price/stop_price", Reason: "both required for stop_limit orders"}
		}
	}

	totalSeconds := req.DurationMinutes * 60
	numSlices := ceilDiv(totalSeconds, req.IntervalSeconds)
	if numSlices < 1 {
		numSlices = 1
	}
	if req.Qty < int64(numSlices) {
		return domain.SlicingPlan{}, &domain.ValidationError{Field: "qty", Reason: "qty must be >= num_slices"}
	}

	base := req.Qty / int64(numSlices)
	rem := req.Qty % int64(numSlices)

	tradeDate := req.tradeDate()

	parentID := ids.ClientOrderID(ids.ClientOrderIDFields{
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		Qty:         decimal.NewFromInt(req.Qty),
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		OrderType:   string(req.OrderType),
		TimeInForce: string(req.TimeInForce),
		StrategyID:  parentStrategyTag(req.StrategyID, req.DurationMinutes, req.IntervalSeconds),
		TradeDate:   tradeDate,
	})

	plan := domain.SlicingPlan{
		ParentOrderID: parentID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQty:      decimal.NewFromInt(req.Qty),
		NumSlices:     numSlices,
		IntervalSecs:  req.IntervalSeconds,
		Slices:        make([]domain.SliceDetail, 0, numSlices),
	}

	for i := 0; i < numSlices; i++ {
		sliceQty := base
		if int64(i) < rem {
			sliceQty++
		}
		scheduled := req.Now.Add(time.Duration(i) * time.Duration(req.IntervalSeconds) * time.Second)

		childID := ids.ClientOrderID(ids.ClientOrderIDFields{
			Symbol:      req.Symbol,
			Side:        string(req.Side),
			Qty:         decimal.NewFromInt(sliceQty),
			LimitPrice:  req.LimitPrice,
			StopPrice:   req.StopPrice,
			OrderType:   string(req.OrderType),
			TimeInForce: string(req.TimeInForce),
			StrategyID:  childStrategyTag(parentID, i),
			TradeDate:   tradeDate,
		})

		plan.Slices = append(plan.Slices, domain.SliceDetail{
			SliceNum:      i,
			Qty:           decimal.NewFromInt(sliceQty),
			ScheduledTime: scheduled,
			ClientOrderID: childID,
		})
	}

	return plan, nil
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// legacyIntervalSeconds is the historical default interval from before
// interval_seconds was folded into the parent strategy tag.
const legacyIntervalSeconds = 60

func parentStrategyTag(strategyID string, durationMinutes, intervalSeconds int) string {
	return strategyID + "|twap_parent_" + strconv.Itoa(durationMinutes) + "m_" + strconv.Itoa(intervalSeconds) + "s"
}

// legacyParentStrategyTag is the pre-interval-tagged form: callers retrying
// a plan created before interval_seconds joined the tag still resolve to
// the same parent id.
func legacyParentStrategyTag(strategyID string, durationMinutes int) string {
	return strategyID + "|twap_parent_" + strconv.Itoa(durationMinutes) + "m"
}

func childStrategyTag(parentID string, sliceNum int) string {
	return "twap_slice_" + parentID + "_" + strconv.Itoa(sliceNum)
}

// LegacyParentID computes the parent order id under the pre-interval-tag
// strategy form, for the one-time lookup probe described in §4.3: when a
// caller retries a plan with interval_seconds == 60 (the historical
// default), the ledger should also check this id before concluding no
// prior plan exists, so a retry submitted before the tag format changed
// still replays idempotently instead of minting a second parent order.
// Returns "" when intervalSeconds is not the legacy default — there is no
// legacy form to probe for any other interval.
func LegacyParentID(req Request) string {
	if req.IntervalSeconds != legacyIntervalSeconds {
		return ""
	}
	return ids.ClientOrderID(ids.ClientOrderIDFields{
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		Qty:         decimal.NewFromInt(req.Qty),
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		OrderType:   string(req.OrderType),
		TimeInForce: string(req.TimeInForce),
		StrategyID:  legacyParentStrategyTag(req.StrategyID, req.DurationMinutes),
		TradeDate:   req.tradeDate(),
	})
}
