// Package reservation implements the soft pre-trade position hold
// described by SPEC_FULL.md §4.2: before an order reaches the broker, its
// quantity is reserved against the symbol so a burst of concurrent
// admissions cannot all pass the position-limit gate against the same
// stale snapshot. The reservation is released on any later gate failure
// and confirmed once the broker acknowledges the order.
package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
)

// Manager issues and releases reservation tokens against a Coordinator.
type Manager struct {
	coord coordinator.Coordinator
	ttl   time.Duration
}

// New constructs a Manager with the given reservation TTL (the config
// default is 30s, see config.ReservationConfig).
func New(coord coordinator.Coordinator, ttl time.Duration) *Manager {
	return &Manager{coord: coord, ttl: ttl}
}

// Reserve mints a new token and reserves qty against symbol/side. The
// token must be passed to Confirm or Release by the caller; a reservation
// left neither confirmed nor released simply expires after the TTL.
func (m *Manager) Reserve(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (string, error) {
	token := uuid.NewString()
	if err := m.coord.ReserveSymbolQty(ctx, token, symbol, side, qty, m.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Confirm marks a reservation as realized by a broker acknowledgement. It
// does not release the hold — the reserved quantity remains visible to
// GetReservedQty until Release or TTL expiry, since the position itself
// has not yet been updated by a fill.
func (m *Manager) Confirm(ctx context.Context, token string) error {
	return m.coord.ConfirmReservation(ctx, token)
}

// Release drops a reservation, for example because a later gate rejected
// the order or the broker submission failed. The fill path does not call
// Release; a confirmed reservation stays counted until its TTL expires.
func (m *Manager) Release(ctx context.Context, token string) error {
	return m.coord.ReleaseReservation(ctx, token)
}

// ReservedQty returns the sum of all active (non-expired, non-released)
// reservations for symbol/side, to be added to the ledger-confirmed
// position when evaluating the position-limit gate.
func (m *Manager) ReservedQty(ctx context.Context, symbol string, side domain.OrderSide) (decimal.Decimal, error) {
	return m.coord.GetReservedQty(ctx, symbol, side)
}

func signedQty(side domain.OrderSide, qty decimal.Decimal) decimal.Decimal {
	if side == domain.SideSell {
		return qty.Neg()
	}
	return qty
}

// ReserveWithLimit implements the full PositionReservation contract of
// §4.2: a reservation succeeds only if
// |current_position + Σactive_reservations(side) + Δ(side, qty)| ≤ maxLimit.
// maxLimit == nil means the symbol carries no configured limit, and the
// check is skipped. On a limit breach it returns *domain.PositionLimitError
// without placing a reservation.
func (m *Manager) ReserveWithLimit(ctx context.Context, symbol string, side domain.OrderSide, qty, currentPosition decimal.Decimal, maxLimit *decimal.Decimal) (string, error) {
	if maxLimit != nil {
		reservedSameSide, err := m.coord.GetReservedQty(ctx, symbol, side)
		if err != nil {
			return "", err
		}
		prospective := currentPosition.Add(signedQty(side, reservedSameSide)).Add(signedQty(side, qty))
		if prospective.Abs().GreaterThan(*maxLimit) {
			return "", &domain.PositionLimitError{
				Symbol:     symbol,
				Requested:  qty.String(),
				Limit:      maxLimit.String(),
				CurrentQty: currentPosition.String(),
			}
		}
	}
	return m.Reserve(ctx, symbol, side, qty)
}
