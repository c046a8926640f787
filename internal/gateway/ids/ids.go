// Package ids computes deterministic, idempotency-safe identifiers from
// semantic order and operation fields. Nothing here touches IO; both
// functions are pure and safe to call repeatedly for the same inputs.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// quantize renders d to a fixed 2-decimal half-up string, or "null" when d
// is nil. This is the one place price representation is normalized so that
// "150.0" and "150.00" hash identically and no scientific notation leaks
// into the canonical string.
func quantize(d *decimal.Decimal) string {
	if d == nil {
		return "null"
	}
	return d.Round(2).StringFixed(2)
}

// ClientOrderIDFields are the semantic inputs that determine a client
// order id. TradeDate pins the id to a trading day so retries across
// midnight UTC do not collide with an unrelated order.
type ClientOrderIDFields struct {
	Symbol      string
	Side        string
	Qty         decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	OrderType   string
	TimeInForce string
	StrategyID  string
	TradeDate   time.Time
}

// ClientOrderID computes the 24-lowercase-hex-char deterministic id per the
// canonical recipe:
//
//	"{symbol}|{side}|{qty}|{limit_price_q}|{stop_price_q}|{order_type}|{time_in_force}|{strategy_id}|{trade_date_iso}"
//
// SHA-256 is computed over that string and the first 12 bytes are hex
// encoded. Identical inputs always produce identical output; any field
// change produces a different id.
func ClientOrderID(f ClientOrderIDFields) string {
	canonical := strings.Join([]string{
		f.Symbol,
		f.Side,
		f.Qty.Round(2).StringFixed(2),
		quantize(f.LimitPrice),
		quantize(f.StopPrice),
		f.OrderType,
		f.TimeInForce,
		f.StrategyID,
		f.TradeDate.UTC().Format("2006-01-02"),
	}, "|")
	return hashToID(canonical)
}

// ManualOperationIDFields are the semantic inputs for operator-initiated
// flatten/close flows, which bypass OrderAdmission entirely.
type ManualOperationIDFields struct {
	Action    string
	Symbol    string
	Side      string
	Qty       decimal.Decimal
	UserID    string
	TradeDate time.Time
}

// ManualOperationID runs the parallel recipe for operator-initiated
// operations, seeded by (action verb, symbol, side, qty, user, date).
func ManualOperationID(f ManualOperationIDFields) string {
	canonical := strings.Join([]string{
		f.Action,
		f.Symbol,
		f.Side,
		f.Qty.Round(2).StringFixed(2),
		f.UserID,
		f.TradeDate.UTC().Format("2006-01-02"),
	}, "|")
	return hashToID(canonical)
}

func hashToID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:12])
}

// ModificationOrderIDFields seed the deterministic replacement order id a
// ModificationEngine mints for an accepted change (§4.5 step 4): keyed by
// the original order, the caller's idempotency key, and the trade date so
// retries of the same modification request always mint the same id.
type ModificationOrderIDFields struct {
	OriginalClientOrderID string
	IdempotencyKey        string
	TradeDate             time.Time
}

// ModificationOrderID computes the deterministic replacement id.
func ModificationOrderID(f ModificationOrderIDFields) string {
	canonical := strings.Join([]string{
		"modify",
		f.OriginalClientOrderID,
		f.IdempotencyKey,
		f.TradeDate.UTC().Format("2006-01-02"),
	}, "|")
	return hashToID(canonical)
}

// Describe is a debugging helper returning a human-readable summary of the
// symbol, side, qty, strategy and date behind a client order id, for log
// lines. It is not the canonical string that ClientOrderID hashes: prices,
// order type and time in force are not included.
func Describe(f ClientOrderIDFields) string {
	return fmt.Sprintf("symbol=%s side=%s qty=%s strategy=%s date=%s",
		f.Symbol, f.Side, f.Qty.StringFixed(2), f.StrategyID, f.TradeDate.UTC().Format("2006-01-02"))
}
