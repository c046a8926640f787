// Package domain holds the shared entities of the execution gateway core:
// orders, positions, reservations, modifications, and slicing plans. Nothing
// here talks to a database, a broker, or the network — it is the vocabulary
// every other gateway package shares.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType constrains which price fields an order may carry.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce is the order's lifetime policy.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// ExecutionStyle selects the admission path an order takes. Persisted
// explicitly per spec.md Open Question resolution — default is instant,
// never inferred from parent_order_id presence.
type ExecutionStyle string

const (
	ExecutionStyleInstant ExecutionStyle = "instant"
	ExecutionStyleTWAP    ExecutionStyle = "twap"
)

// OrderStatus is the order lifecycle state. Terminal statuses must not
// transition further except via explicit replacement linkage (status_rank
// governs CAS precedence, see Precedence in cas.go).
type OrderStatus string

const (
	StatusDryRun          OrderStatus = "dry_run"
	StatusPendingNew      OrderStatus = "pending_new"
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
	StatusReplaced        OrderStatus = "replaced"
)

// terminalStatuses cannot transition further except via ModificationEngine
// replacement linkage (handled out-of-band of the status field itself).
var terminalStatuses = map[OrderStatus]bool{
	StatusFilled:   true,
	StatusCanceled: true,
	StatusRejected: true,
	StatusExpired:  true,
	StatusReplaced: true,
}

// IsTerminal reports whether status admits no further CAS transitions.
func (s OrderStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// StatusRank totally orders the state machine for CAS merge precedence
// (§4.6). Higher rank dominates lower rank at equal timestamp/priority.
var statusRank = map[OrderStatus]int{
	StatusDryRun:          0,
	StatusPendingNew:      1,
	StatusNew:             2,
	StatusAccepted:        3,
	StatusPartiallyFilled: 4,
	StatusFilled:          5,
	StatusCanceled:        5,
	StatusRejected:        5,
	StatusExpired:         5,
	StatusReplaced:        5,
}

// StatusRankOf returns the totally-ordered rank used by CAS merges.
func StatusRankOf(s OrderStatus) int {
	return statusRank[s]
}

// SourcePriority labels the origin of a status update for CAS tie-breaking.
// Ties resolve webhook > reconciliation > manual (spec.md §4.6, §9).
type SourcePriority string

const (
	SourceWebhook       SourcePriority = "webhook"
	SourceReconciliation SourcePriority = "reconciliation"
	SourceManual        SourcePriority = "manual"
)

var sourceRank = map[SourcePriority]int{
	SourceWebhook:        2,
	SourceReconciliation: 1,
	SourceManual:         0,
}

// Fill is one append-only execution record attached to an order, keyed by
// FillID for idempotent replay detection (§4.6).
type Fill struct {
	FillID    string          `json:"fill_id"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order is the central entity of the gateway. All money/qty fields are
// fixed-precision decimals; timestamps are UTC.
type Order struct {
	ClientOrderID  string          `json:"client_order_id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	OrderType      OrderType       `json:"order_type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	ExecutionStyle ExecutionStyle  `json:"execution_style"`
	Status         OrderStatus     `json:"status"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	RetryCount     int             `json:"retry_count"`

	ParentOrderID *string `json:"parent_order_id,omitempty"`
	SliceNum      *int    `json:"slice_num,omitempty"`
	TotalSlices   *int    `json:"total_slices,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	StatusRank       int            `json:"status_rank"`
	BrokerUpdatedAt  time.Time      `json:"broker_updated_at"`
	SourcePriority   SourcePriority `json:"source_priority"`

	Fills              []Fill  `json:"fills,omitempty"`
	ReplacedByOrderID  *string `json:"replaced_by_order_id,omitempty"`
	ReplacesOrderID    *string `json:"replaces_order_id,omitempty"`
}

// Position is keyed by symbol and mutated only by the webhook fill path
// under a row lock (§3, §4.6, §5).
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPL    decimal.Decimal `json:"realized_pl"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastTradeAt   time.Time       `json:"last_trade_at"`
}

// OrderResponse is returned to the admission caller. Idempotent replays set
// Idempotent=true instead of returning an error (spec.md: "not an error to
// the caller").
type OrderResponse struct {
	Order       Order  `json:"order"`
	Message     string `json:"message"`
	Idempotent  bool   `json:"idempotent"`
	DryRun      bool   `json:"dry_run"`
}
