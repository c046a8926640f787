// Package memledger is an in-memory ledger.Ledger used by unit tests. Each
// method serializes on a single mutex for its own duration; WithTx simply
// sequences calls on the caller's goroutine rather than holding a lock
// across the whole callback, since there is no real database transaction
// to simulate and the mutex is not reentrant.
package memledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/ledger"
)

type tx struct{}

// Ledger is the in-memory fake.
type Ledger struct {
	mu sync.Mutex

	orders        map[string]domain.Order
	modifications map[string]domain.ModificationRecord
	modSeq        map[string]int64
	positions     map[string]domain.Position
	childrenByParent map[string][]string
	quarantined   map[string]bool
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		orders:           make(map[string]domain.Order),
		modifications:    make(map[string]domain.ModificationRecord),
		modSeq:           make(map[string]int64),
		positions:        make(map[string]domain.Position),
		childrenByParent: make(map[string][]string),
		quarantined:      make(map[string]bool),
	}
}

func (l *Ledger) CreateOrder(_ context.Context, order domain.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[order.ClientOrderID]; exists {
		return &domain.ConflictError{Resource: "order", Reason: "client_order_id already exists"}
	}
	l.orders[order.ClientOrderID] = order
	return nil
}

func (l *Ledger) GetOrderByClientID(_ context.Context, clientOrderID string) (domain.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	return o, ok, nil
}

func (l *Ledger) GetOrderForUpdate(_ context.Context, _ ledger.Tx, clientOrderID string) (domain.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	return o, ok, nil
}

func (l *Ledger) UpdateOrderStatusCAS(_ context.Context, clientOrderID string, next domain.Order) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.orders[clientOrderID]
	if !ok {
		return false, &domain.InternalConsistencyError{Detail: "order vanished mid-update: " + clientOrderID}
	}

	if !domain.PrecedenceOf(next).Dominates(domain.PrecedenceOf(existing)) {
		return false, nil
	}

	next.Fills = existing.Fills
	l.orders[clientOrderID] = next
	return true, nil
}

func (l *Ledger) UpdateOrderBrokerID(_ context.Context, clientOrderID, brokerOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	if !ok {
		return &domain.InternalConsistencyError{Detail: "order not found: " + clientOrderID}
	}
	o.BrokerOrderID = brokerOrderID
	l.orders[clientOrderID] = o
	return nil
}

func (l *Ledger) AppendFillToOrderMetadata(_ context.Context, _ ledger.Tx, clientOrderID string, fill domain.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	if !ok {
		return &domain.InternalConsistencyError{Detail: "order not found: " + clientOrderID}
	}
	for _, existing := range o.Fills {
		if existing.FillID == fill.FillID {
			return nil
		}
	}
	o.Fills = append(o.Fills, fill)
	l.orders[clientOrderID] = o
	return nil
}

func (l *Ledger) InsertReplacementOrder(_ context.Context, _ ledger.Tx, original domain.Order, replacement domain.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.orders[replacement.ClientOrderID]; exists {
		return &domain.ConflictError{Resource: "order", Reason: "replacement client_order_id already exists"}
	}

	original.Status = domain.StatusReplaced
	replacedBy := replacement.ClientOrderID
	original.ReplacedByOrderID = &replacedBy
	l.orders[original.ClientOrderID] = original

	replaces := original.ClientOrderID
	replacement.ReplacesOrderID = &replaces
	l.orders[replacement.ClientOrderID] = replacement
	return nil
}

func (l *Ledger) InsertPendingModification(_ context.Context, mod domain.ModificationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.modifications[mod.IdempotencyKey]; exists {
		return &domain.ConflictError{Resource: "modification", Reason: "idempotency_key already exists"}
	}
	l.modifications[mod.IdempotencyKey] = mod
	return nil
}

func (l *Ledger) UpdateModificationStatus(_ context.Context, idempotencyKey string, status domain.ModificationStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modifications[idempotencyKey]
	if !ok {
		return &domain.InternalConsistencyError{Detail: "modification not found: " + idempotencyKey}
	}
	m.Status = status
	m.FailureReason = reason
	m.UpdatedAt = time.Now().UTC()
	l.modifications[idempotencyKey] = m
	return nil
}

func (l *Ledger) FinalizeModification(_ context.Context, idempotencyKey string, replacementOrderID *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modifications[idempotencyKey]
	if !ok {
		return &domain.InternalConsistencyError{Detail: "modification not found: " + idempotencyKey}
	}
	m.Status = domain.ModificationCompleted
	m.ReplacementOrderID = replacementOrderID
	m.UpdatedAt = time.Now().UTC()
	l.modifications[idempotencyKey] = m
	return nil
}

func (l *Ledger) GetModificationByIdempotencyKey(_ context.Context, idempotencyKey string) (domain.ModificationRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modifications[idempotencyKey]
	return m, ok, nil
}

func (l *Ledger) GetNextModificationSeq(_ context.Context, clientOrderID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modSeq[clientOrderID]++
	return l.modSeq[clientOrderID], nil
}

func (l *Ledger) ListStalePendingModifications(_ context.Context, olderThan time.Duration) ([]domain.ModificationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var stale []domain.ModificationRecord
	for _, m := range l.modifications {
		if m.Status == domain.ModificationPending && m.CreatedAt.Before(cutoff) {
			stale = append(stale, m)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	return stale, nil
}

func (l *Ledger) CreateParentOrder(_ context.Context, order domain.Order, _ domain.SlicingPlan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[order.ClientOrderID]; exists {
		return &domain.ConflictError{Resource: "order", Reason: "client_order_id already exists"}
	}
	l.orders[order.ClientOrderID] = order
	return nil
}

func (l *Ledger) CreateChildSlice(_ context.Context, order domain.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[order.ClientOrderID]; exists {
		return &domain.ConflictError{Resource: "order", Reason: "client_order_id already exists"}
	}
	l.orders[order.ClientOrderID] = order
	if order.ParentOrderID != nil {
		l.childrenByParent[*order.ParentOrderID] = append(l.childrenByParent[*order.ParentOrderID], order.ClientOrderID)
	}
	return nil
}

func (l *Ledger) GetSlicesByParentID(_ context.Context, parentOrderID string) ([]domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.childrenByParent[parentOrderID]
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.orders[id])
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].SliceNum, out[j].SliceNum
		if si == nil || sj == nil {
			return false
		}
		return *si < *sj
	})
	return out, nil
}

func (l *Ledger) CancelPendingSlices(_ context.Context, parentOrderID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, id := range l.childrenByParent[parentOrderID] {
		o := l.orders[id]
		if o.Status == domain.StatusPendingNew {
			o.Status = domain.StatusCanceled
			l.orders[id] = o
			count++
		}
	}
	return count, nil
}

func (l *Ledger) GetPositionBySymbol(_ context.Context, symbol string) (domain.Position, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	return p, ok, nil
}

func (l *Ledger) GetPositionForUpdate(_ context.Context, _ ledger.Tx, symbol string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{Symbol: symbol}, nil
	}
	return p, nil
}

func (l *Ledger) UpdatePositionOnFillWithTx(_ context.Context, _ ledger.Tx, position domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[position.Symbol] = position
	return nil
}

func (l *Ledger) IsSymbolQuarantined(_ context.Context, symbol string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quarantined[symbol], nil
}

// SetQuarantined is a test helper to seed the local quarantine cache.
func (l *Ledger) SetQuarantined(symbol string, quarantined bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quarantined[symbol] = quarantined
}

// WithTx does not itself hold l.mu: fn is expected to call back into
// other Ledger methods (GetOrderForUpdate, InsertReplacementOrder, …),
// each of which takes l.mu for its own duration, and sync.Mutex is not
// reentrant. There is no real concurrent writer to guard against within
// a single WithTx invocation — the "transaction" here is just sequencing
// calls on one goroutine — so per-method locking alone is sufficient.
func (l *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return fn(ctx, tx{})
}

var _ ledger.Ledger = (*Ledger)(nil)
