package twap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgateway/core/internal/gateway/domain"
)

func baseRequest() Request {
	return Request{
		Symbol:          "AAPL",
		Side:            domain.SideBuy,
		Qty:             103,
		OrderType:       domain.OrderTypeMarket,
		TimeInForce:     domain.TIFDay,
		StrategyID:      "alpha_baseline",
		DurationMinutes: 5,
		IntervalSeconds: 60,
		Now:             time.Date(2024, 10, 17, 14, 0, 0, 0, time.UTC),
	}
}

func TestPlan_103QtyInto5SlicesFrontLoaded(t *testing.T) {
	plan, err := Plan(baseRequest())
	require.NoError(t, err)

	require.Equal(t, 5, plan.NumSlices)
	qtys := make([]int64, len(plan.Slices))
	for i, s := range plan.Slices {
		qtys[i] = s.Qty.IntPart()
	}
	assert.Equal(t, []int64{21, 21, 21, 20, 20}, qtys)
}

func TestPlan_ScheduleTimesStrictlyAscendByInterval(t *testing.T) {
	plan, err := Plan(baseRequest())
	require.NoError(t, err)

	for i := 1; i < len(plan.Slices); i++ {
		diff := plan.Slices[i].ScheduledTime.Sub(plan.Slices[i-1].ScheduledTime)
		assert.Equal(t, time.Duration(plan.IntervalSecs)*time.Second, diff)
	}
	assert.True(t, plan.Slices[0].ScheduledTime.Equal(baseRequest().Now))
}

func TestPlan_UniqueChildIDs(t *testing.T) {
	plan, err := Plan(baseRequest())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, s := range plan.Slices {
		assert.False(t, seen[s.ClientOrderID], "duplicate child id %s", s.ClientOrderID)
		seen[s.ClientOrderID] = true
		assert.Len(t, s.ClientOrderID, 24)
	}
	assert.NotEqual(t, plan.ParentOrderID, plan.Slices[0].ClientOrderID)
}

func TestPlan_Deterministic(t *testing.T) {
	a, err := Plan(baseRequest())
	require.NoError(t, err)
	b, err := Plan(baseRequest())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlan_RejectsQtyLessThanNumSlices(t *testing.T) {
	req := baseRequest()
	req.Qty = 2
	req.DurationMinutes = 5
	req.IntervalSeconds = 60 // 5 slices, qty 2 < 5
	_, err := Plan(req)
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPlan_RejectsZeroDuration(t *testing.T) {
	req := baseRequest()
	req.DurationMinutes = 0
	_, err := Plan(req)
	require.Error(t, err)
}

func TestPlan_RejectsLimitWithoutLimitPrice(t *testing.T) {
	req := baseRequest()
	req.OrderType = domain.OrderTypeLimit
	_, err := Plan(req)
	require.Error(t, err)
}

func TestPlan_SumOfSlicesEqualsParentQty(t *testing.T) {
	req := baseRequest()
	req.Qty = 97
	req.DurationMinutes = 10
	req.IntervalSeconds = 45
	plan, err := Plan(req)
	require.NoError(t, err)

	var sum int64
	for _, s := range plan.Slices {
		sum += s.Qty.IntPart()
	}
	assert.Equal(t, req.Qty, sum)
}

func TestLegacyParentID_MatchesOldTagFormatAtLegacyInterval(t *testing.T) {
	req := baseRequest() // IntervalSeconds == 60, the legacy default
	legacy := LegacyParentID(req)
	require.NotEmpty(t, legacy)
	assert.Len(t, legacy, 24)

	plan, err := Plan(req)
	require.NoError(t, err)
	assert.NotEqual(t, plan.ParentOrderID, legacy, "canonical and legacy ids must diverge once interval_seconds joins the tag")
}

func TestLegacyParentID_EmptyForNonLegacyInterval(t *testing.T) {
	req := baseRequest()
	req.IntervalSeconds = 45
	assert.Empty(t, LegacyParentID(req))
}

func TestLegacyParentID_Deterministic(t *testing.T) {
	req := baseRequest()
	assert.Equal(t, LegacyParentID(req), LegacyParentID(req))
}
