// Package webhook implements the WebhookIngestor (§4.6): authenticates
// broker-originated order/fill events by HMAC-SHA256 and applies them to
// the Ledger via the CAS merge rule, preserving causal ordering under
// reordering or duplication.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/coordinator"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/ledger"
	"github.com/execgateway/core/pkg/observability"
)

// FillEvent is the fill portion of an Event, present only on fill-carrying
// updates. Qty is unsigned (magnitude of shares executed).
type FillEvent struct {
	FillID    string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// Event is a single broker-originated order status update, already parsed
// from the webhook transport payload by the caller.
type Event struct {
	ClientOrderID     string
	BrokerOrderID     string
	Status            domain.OrderStatus
	BrokerUpdatedAt   time.Time
	EnvelopeTimestamp time.Time
	Source            domain.SourcePriority
	Fill               *FillEvent
}

// Ingestor verifies and applies webhook events.
type Ingestor struct {
	ledger ledger.Ledger
	coord  coordinator.Coordinator
	logger *observability.Logger
	audit  *observability.AuditLogger
	secret []byte
}

// New constructs an Ingestor. secret is the shared HMAC key configured out
// of band with the broker.
func New(led ledger.Ledger, coord coordinator.Coordinator, logger *observability.Logger, secret string) *Ingestor {
	return &Ingestor{ledger: led, coord: coord, logger: logger, audit: observability.NewAuditLogger(logger), secret: []byte(secret)}
}

// VerifySignature recomputes the HMAC-SHA256 of body with the shared
// secret and compares it to signatureHex in constant time. signatureHex is
// the broker's lowercase-hex-encoded digest, as sent in the request's
// signature header.
func (i *Ingestor) VerifySignature(body []byte, signatureHex string) error {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signatureHex)
	if err != nil || len(given) != len(expected) {
		return &domain.ValidationError{Field: "signature", Reason: "malformed webhook signature"}
	}
	if subtle.ConstantTimeCompare(expected, given) != 1 {
		return &domain.ValidationError{Field: "signature", Reason: "webhook signature verification failed"}
	}
	return nil
}

// Ingest applies a verified Event to the Ledger under the CAS merge rule.
// A stale or duplicate event (one that does not dominate the persisted
// order) is not an error — applied is simply false.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) (applied bool, err error) {
	source := ev.Source
	if source == "" {
		source = domain.SourceWebhook
	}
	ts := chooseTimestamp(ev.BrokerUpdatedAt, ev.EnvelopeTimestamp)

	txErr := i.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		existing, ok, err := i.ledger.GetOrderForUpdate(ctx, tx, ev.ClientOrderID)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.InternalConsistencyError{Detail: "webhook event for unknown order " + ev.ClientOrderID}
		}

		next := existing
		next.Status = ev.Status
		next.StatusRank = domain.StatusRankOf(ev.Status)
		next.BrokerUpdatedAt = ts
		next.SourcePriority = source
		if ev.BrokerOrderID != "" {
			next.BrokerOrderID = ev.BrokerOrderID
		}

		if !domain.PrecedenceOf(next).Dominates(domain.PrecedenceOf(existing)) {
			applied = false
			return nil
		}

		if ev.Fill != nil {
			duplicate := false
			for _, f := range existing.Fills {
				if f.FillID == ev.Fill.FillID {
					duplicate = true
					break
				}
			}
			newFilledQty := existing.FilledQty.Add(ev.Fill.Qty)
			if duplicate || !newFilledQty.GreaterThan(existing.FilledQty) {
				// duplicate fill or non-advancing filled_qty: apply the
				// status/timestamp change only, skip position mutation.
				i.logger.Info(ctx, "duplicate fill ignored", map[string]interface{}{
					"client_order_id": ev.ClientOrderID, "fill_id": ev.Fill.FillID,
				})
			} else {
				if err := i.ledger.AppendFillToOrderMetadata(ctx, tx, ev.ClientOrderID, domain.Fill{
					FillID: ev.Fill.FillID, Qty: ev.Fill.Qty, Price: ev.Fill.Price, Timestamp: ev.Fill.Timestamp,
				}); err != nil {
					return err
				}
				next.FilledQty = newFilledQty
				next.FilledAvgPrice = weightedFillAvg(existing.FilledAvgPrice, existing.FilledQty, ev.Fill.Qty, ev.Fill.Price)
				next.FilledAt = &ev.Fill.Timestamp

				pos, err := i.ledger.GetPositionForUpdate(ctx, tx, existing.Symbol)
				if err != nil {
					return err
				}
				updated := applyFill(pos, existing.Side, ev.Fill.Qty, ev.Fill.Price, ev.Fill.Timestamp)
				if err := i.ledger.UpdatePositionOnFillWithTx(ctx, tx, updated); err != nil {
					return err
				}
			}
		}

		applied2, err := i.ledger.UpdateOrderStatusCAS(ctx, ev.ClientOrderID, next)
		if err != nil {
			return err
		}
		applied = applied2
		return nil
	})
	if txErr != nil {
		return false, txErr
	}

	if applied && ev.Fill != nil {
		if cerr := i.coord.InvalidatePerformanceCacheForDate(ctx, ts); cerr != nil {
			i.logger.Warn(ctx, "webhook: performance cache invalidation failed, continuing",
				map[string]interface{}{"client_order_id": ev.ClientOrderID, "error": cerr.Error()})
		}
	}
	if applied {
		i.audit.LogSystemEvent(ctx, "webhook_event_applied", "webhook", map[string]interface{}{
			"client_order_id": ev.ClientOrderID, "status": string(ev.Status), "source": string(source),
		})
	}
	return applied, nil
}

// chooseTimestamp picks the first non-zero of (broker-provided
// updated_at, webhook envelope timestamp), falling back to now.
func chooseTimestamp(brokerUpdatedAt, envelopeTimestamp time.Time) time.Time {
	if !brokerUpdatedAt.IsZero() {
		return brokerUpdatedAt
	}
	if !envelopeTimestamp.IsZero() {
		return envelopeTimestamp
	}
	return time.Now().UTC()
}

// weightedFillAvg implements the §3/§4.6 same-direction-add average price
// recompute: ((|old_qty|*old_avg) + (q*p)) / (|old_qty|+q). It is
// independent of position sign — callers invoke it whenever the order's
// own cumulative filled_qty/filled_avg_price advance, regardless of what
// the resulting symbol position looks like.
func weightedFillAvg(oldAvg, oldFilledQty, q, p decimal.Decimal) decimal.Decimal {
	if oldFilledQty.IsZero() {
		return p
	}
	numerator := oldFilledQty.Abs().Mul(oldAvg).Add(q.Mul(p))
	denominator := oldFilledQty.Abs().Add(q)
	if denominator.IsZero() {
		return p
	}
	return numerator.Div(denominator)
}

// applyFill implements the §4.6/§3 position update semantics for a fill of
// q shares (unsigned magnitude) at price p on side.
func applyFill(pos domain.Position, side domain.OrderSide, q, p decimal.Decimal, at time.Time) domain.Position {
	delta := q
	if side == domain.SideSell {
		delta = q.Neg()
	}
	newQtyIfAdd := pos.Qty.Add(delta)

	switch {
	case pos.Qty.IsZero():
		// opening a flat position: no realized P&L, avg is the fill price.
		pos.Qty = delta
		pos.AvgEntryPrice = p

	case sameDirection(pos.Qty, delta):
		// same-direction add: weighted-average the entry price, no P&L.
		pos.AvgEntryPrice = weightedFillAvg(pos.AvgEntryPrice, pos.Qty.Abs(), q, p)
		pos.Qty = newQtyIfAdd

	case newQtyIfAdd.IsZero() || sameDirection(pos.Qty, newQtyIfAdd):
		// reducing within the existing side (including exact flatten):
		// avg_entry_price is unchanged, P&L realizes on q at (p - avg).
		pos.RealizedPL = pos.RealizedPL.Add(realizedOnReduce(pos.Qty, p, pos.AvgEntryPrice, q))
		pos.Qty = newQtyIfAdd
		if pos.Qty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}

	default:
		// cross zero: realize P&L on the |old_qty| portion, then open the
		// remainder on the opposite side at the fill price.
		closingQty := pos.Qty.Abs()
		pos.RealizedPL = pos.RealizedPL.Add(realizedOnReduce(pos.Qty, p, pos.AvgEntryPrice, closingQty))
		remainder := q.Sub(closingQty)
		pos.Qty = newQtyIfAdd
		pos.AvgEntryPrice = p
		_ = remainder // remainder's magnitude is exactly |new_qty|; kept only for clarity
	}

	pos.UpdatedAt = at
	pos.LastTradeAt = at
	return pos
}

// sameDirection reports whether a and b have the same sign; it also
// reports true when either of them is zero.
func sameDirection(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.Sign() == b.Sign()
}

// realizedOnReduce computes the signed P&L realized by closing qty shares
// of a position (sign pos.Qty) at fill price p against avgEntry: long
// closes realize (p-avg)*qty, short covers realize (avg-p)*qty.
func realizedOnReduce(positionQty, p, avgEntry, qty decimal.Decimal) decimal.Decimal {
	if positionQty.GreaterThan(decimal.Zero) {
		return p.Sub(avgEntry).Mul(qty)
	}
	return avgEntry.Sub(p).Mul(qty)
}
