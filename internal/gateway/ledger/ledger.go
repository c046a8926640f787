// Package ledger defines the durable storage contract for orders,
// positions, modifications, and TWAP slicing plans. Two implementations
// exist: postgres (the production adapter, row-locked transactions) and
// memledger (an in-memory fake for unit tests).
package ledger

import (
	"context"
	"time"

	"github.com/execgateway/core/internal/gateway/domain"
)

// Ledger is the full persistence surface the gateway depends on. Every
// method that mutates state takes a context so the caller can bound it
// with the same per-call timeout used for broker and coordinator calls.
type Ledger interface {
	// CreateOrder inserts a new order row. A unique-constraint violation on
	// client_order_id must surface as *domain.ConflictError so the caller
	// can fall back to the idempotent-replay path.
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrderByClientID returns the order, or (domain.Order{}, false, nil)
	// if no such order exists.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, bool, error)

	// GetOrderForUpdate opens a row-locked read within an active
	// transaction started by WithTx. Calling it outside a transaction is a
	// programmer error.
	GetOrderForUpdate(ctx context.Context, tx Tx, clientOrderID string) (domain.Order, bool, error)

	// UpdateOrderStatusCAS applies next to the order only if next's
	// precedence dominates the persisted order's current precedence
	// (domain.Precedence.Dominates). Returns applied=false, no error, when
	// the update lost the race — this is an expected outcome, not a
	// failure.
	UpdateOrderStatusCAS(ctx context.Context, clientOrderID string, next domain.Order) (applied bool, err error)

	// UpdateOrderBrokerID stamps the broker-assigned order id once known.
	UpdateOrderBrokerID(ctx context.Context, clientOrderID, brokerOrderID string) error

	// AppendFillToOrderMetadata records a fill by FillID, idempotently: a
	// FillID already present in the order's fill list is a no-op.
	AppendFillToOrderMetadata(ctx context.Context, tx Tx, clientOrderID string, fill domain.Fill) error

	// InsertReplacementOrder atomically inserts a new order row that
	// replaces an existing one, marking the original StatusReplaced and
	// linking both rows, within tx.
	InsertReplacementOrder(ctx context.Context, tx Tx, original domain.Order, replacement domain.Order) error

	// --- Modification bookkeeping ---

	InsertPendingModification(ctx context.Context, mod domain.ModificationRecord) error
	UpdateModificationStatus(ctx context.Context, idempotencyKey string, status domain.ModificationStatus, reason string) error
	FinalizeModification(ctx context.Context, idempotencyKey string, replacementOrderID *string) error
	GetModificationByIdempotencyKey(ctx context.Context, idempotencyKey string) (domain.ModificationRecord, bool, error)
	// GetNextModificationSeq returns a strictly increasing per-order
	// sequence number, stored as Seq on each modification record.
	GetNextModificationSeq(ctx context.Context, clientOrderID string) (int64, error)
	// ListStalePendingModifications returns pending modifications older
	// than olderThan, for periodic reconciliation.
	ListStalePendingModifications(ctx context.Context, olderThan time.Duration) ([]domain.ModificationRecord, error)

	// --- TWAP / slicing ---

	CreateParentOrder(ctx context.Context, order domain.Order, plan domain.SlicingPlan) error
	CreateChildSlice(ctx context.Context, order domain.Order) error
	GetSlicesByParentID(ctx context.Context, parentOrderID string) ([]domain.Order, error)
	// CancelPendingSlices marks every not-yet-submitted child slice of
	// parentOrderID as canceled and returns how many were affected.
	CancelPendingSlices(ctx context.Context, parentOrderID string) (int, error)

	// --- Positions ---

	GetPositionBySymbol(ctx context.Context, symbol string) (domain.Position, bool, error)
	// GetPositionForUpdate row-locks the position (or a synthesized
	// zero-qty row if none exists yet) within tx.
	GetPositionForUpdate(ctx context.Context, tx Tx, symbol string) (domain.Position, error)
	UpdatePositionOnFillWithTx(ctx context.Context, tx Tx, position domain.Position) error

	// --- Quarantine (local read cache; source of truth is Coordinator) ---

	IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error)

	// WithTx runs fn within a single transaction, row-lock friendly.
	// Methods taking a Tx parameter must be called from inside fn.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is an opaque transaction handle; only the ledger implementation that
// produced it via WithTx knows how to use it.
type Tx interface{}
