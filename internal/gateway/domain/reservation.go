package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle of a position reservation.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// PositionReservationRecord is the soft pre-trade hold placed on a symbol
// while an order is in flight to the broker. It is released on any later
// gate failure and confirmed once the broker accepts the order (§4.4).
type PositionReservationRecord struct {
	Token         string            `json:"token"`
	ClientOrderID string            `json:"client_order_id"`
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Qty           decimal.Decimal   `json:"qty"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// ModificationStatus tracks a pending cancel/replace request through the
// modification engine (§4.5).
type ModificationStatus string

const (
	ModificationPending ModificationStatus = "pending"
	ModificationCompleted ModificationStatus = "completed"
	ModificationFailed  ModificationStatus = "failed"
	// ModificationSubmittedUnconfirmed marks a modification whose broker
	// replace call succeeded but whose local finalization (§4.5 step 7)
	// failed before commit — the periodic reconciler (§4.9) converges it
	// by looking up NewClientOrderID on the broker.
	ModificationSubmittedUnconfirmed ModificationStatus = "submitted_unconfirmed"
)

// ModificationKind distinguishes cancel from replace requests.
type ModificationKind string

const (
	ModificationCancel  ModificationKind = "cancel"
	ModificationReplace ModificationKind = "replace"
)

// ModificationRecord is the durable row backing a single modification
// attempt, keyed by IdempotencyKey for replay safety; Seq records its
// place in the monotonic per-order modification sequence.
type ModificationRecord struct {
	IdempotencyKey  string             `json:"idempotency_key"`
	ClientOrderID   string             `json:"client_order_id"`
	Kind            ModificationKind   `json:"kind"`
	Seq             int64              `json:"seq"`
	NewQty          *decimal.Decimal   `json:"new_qty,omitempty"`
	NewLimitPrice   *decimal.Decimal   `json:"new_limit_price,omitempty"`
	// NewClientOrderID is generated and persisted at pending time (§4.5
	// step 4-5), before the broker replace call completes, so the
	// periodic reconciler can look up this exact id on the broker side
	// even if finalization never ran (§4.9).
	NewClientOrderID   string             `json:"new_client_order_id"`
	Status             ModificationStatus `json:"status"`
	ReplacementOrderID *string            `json:"replacement_order_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	FailureReason      string             `json:"failure_reason,omitempty"`
}

// ModifyResponse is returned to modification callers.
type ModifyResponse struct {
	Modification ModificationRecord `json:"modification"`
	Idempotent   bool               `json:"idempotent"`
}

// SliceDetail is one scheduled child order within a TWAP plan.
type SliceDetail struct {
	SliceNum      int             `json:"slice_num"`
	Qty           decimal.Decimal `json:"qty"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	ClientOrderID string          `json:"client_order_id"`
}

// SlicingPlan is the deterministic output of the TWAP slicer (§4.3): a
// parent order id plus the ordered list of child slices that realize it.
type SlicingPlan struct {
	ParentOrderID string        `json:"parent_order_id"`
	Symbol        string        `json:"symbol"`
	Side          OrderSide     `json:"side"`
	TotalQty      decimal.Decimal `json:"total_qty"`
	NumSlices     int           `json:"num_slices"`
	IntervalSecs  int           `json:"interval_seconds"`
	Slices        []SliceDetail `json:"slices"`
}
