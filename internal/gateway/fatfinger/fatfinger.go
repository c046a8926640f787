// Package fatfinger validates order requests against configurable notional,
// quantity, and average-daily-volume thresholds to catch typo-sized orders
// before they reach PositionReservation or the broker.
package fatfinger

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/domain"
)

// Thresholds are a nilable triple: an unset field is not enforced. A
// per-symbol Thresholds always starts from this shape, merged over the
// default set field-by-field.
type Thresholds struct {
	MaxNotional *decimal.Decimal
	MaxQty      *int64
	MaxADVPct   *decimal.Decimal
}

func (t Thresholds) clone() Thresholds {
	out := Thresholds{}
	if t.MaxNotional != nil {
		v := *t.MaxNotional
		out.MaxNotional = &v
	}
	if t.MaxQty != nil {
		v := *t.MaxQty
		out.MaxQty = &v
	}
	if t.MaxADVPct != nil {
		v := *t.MaxADVPct
		out.MaxADVPct = &v
	}
	return out
}

// merge returns defaults with override's non-nil fields taking precedence.
func merge(defaults, override Thresholds) Thresholds {
	out := defaults.clone()
	if override.MaxNotional != nil {
		out.MaxNotional = override.MaxNotional
	}
	if override.MaxQty != nil {
		out.MaxQty = override.MaxQty
	}
	if override.MaxADVPct != nil {
		out.MaxADVPct = override.MaxADVPct
	}
	return out
}

// patch applies base with patch's non-nil fields, used for incremental
// override updates rather than full replacement.
func patch(base, p Thresholds) Thresholds {
	return merge(base, p)
}

// Result is the outcome of one validation call, kept even when no breach
// occurred so callers can log the computed notional/adv_pct either way.
type Result struct {
	Breached   bool
	Breaches   []domain.FatFingerBreach
	Thresholds Thresholds
	Notional   *decimal.Decimal
	ADV        *int64
	ADVPct     *decimal.Decimal
	Price      *decimal.Decimal
}

// Request is the input to Validate.
type Request struct {
	Symbol string
	Qty    int64
	Price  *decimal.Decimal
	ADV    *int64
}

// Validator holds default and per-symbol thresholds behind a mutex so
// overrides can be hot-reloaded without locking out in-flight validations
// for more than the copy itself.
type Validator struct {
	mu       sync.Mutex
	defaults Thresholds
	overrides map[string]Thresholds
}

// New constructs a Validator from defaults and an optional set of
// per-symbol overrides (symbol keys are case-normalized to upper).
func New(defaults Thresholds, symbolOverrides map[string]Thresholds) *Validator {
	v := &Validator{
		defaults:  defaults.clone(),
		overrides: make(map[string]Thresholds, len(symbolOverrides)),
	}
	for symbol, th := range symbolOverrides {
		v.overrides[upper(symbol)] = th.clone()
	}
	return v
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// GetDefaultThresholds returns a copy of the default thresholds.
func (v *Validator) GetDefaultThresholds() Thresholds {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.defaults.clone()
}

// GetSymbolOverrides returns copies of all per-symbol overrides.
func (v *Validator) GetSymbolOverrides() map[string]Thresholds {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]Thresholds, len(v.overrides))
	for k, t := range v.overrides {
		out[k] = t.clone()
	}
	return out
}

// UpdateDefaults replaces the default thresholds wholesale.
func (v *Validator) UpdateDefaults(newDefaults Thresholds) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.defaults = newDefaults.clone()
}

// UpdateSymbolOverrides patches per-symbol overrides. A nil value for a
// symbol removes its override entirely; otherwise the symbol's existing
// override (or a zero-value Thresholds) is patched field-by-field.
func (v *Validator) UpdateSymbolOverrides(overrides map[string]*Thresholds) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for symbol, th := range overrides {
		normalized := upper(symbol)
		if th == nil {
			delete(v.overrides, normalized)
			continue
		}
		existing, ok := v.overrides[normalized]
		if !ok {
			existing = Thresholds{}
		}
		v.overrides[normalized] = patch(existing, *th)
	}
}

// GetEffectiveThresholds returns the defaults merged with the symbol's
// override, if one exists.
func (v *Validator) GetEffectiveThresholds(symbol string) Thresholds {
	normalized := upper(symbol)
	v.mu.Lock()
	override, hasOverride := v.overrides[normalized]
	defaults := v.defaults
	v.mu.Unlock()

	if !hasOverride {
		return defaults.clone()
	}
	return merge(defaults, override)
}

// Validate checks req against the effective thresholds for its symbol. A
// threshold that is unset on the effective set is not enforced. When a
// threshold IS set but its corresponding input (price for notional, adv
// for adv_pct) is missing, that is itself reported as a single
// "data_unavailable" breach rather than silently skipping the check —
// matching the fail-closed posture of every other gate in this system.
func (v *Validator) Validate(req Request) Result {
	effective := v.GetEffectiveThresholds(req.Symbol)
	return v.ValidateWithThresholds(req, effective)
}

// ValidateWithThresholds validates against an explicitly supplied
// threshold set, skipping the override lookup (used when a caller has
// already resolved thresholds once and wants to avoid repeating it).
func (v *Validator) ValidateWithThresholds(req Request, effective Thresholds) Result {
	var breaches []domain.FatFingerBreach
	var missingFields []string

	var notional *decimal.Decimal
	if effective.MaxNotional != nil {
		if req.Price == nil {
			missingFields = append(missingFields, "price")
		} else {
			n := req.Price.Mul(decimal.NewFromInt(req.Qty))
			notional = &n
			if n.GreaterThan(*effective.MaxNotional) {
				breaches = append(breaches, domain.FatFingerBreach{
					Type:   "notional",
					Limit:  effective.MaxNotional.String(),
					Actual: n.String(),
					Metadata: map[string]any{
						"price": req.Price.String(),
						"qty":   req.Qty,
					},
				})
			}
		}
	}

	if effective.MaxQty != nil && req.Qty > *effective.MaxQty {
		breaches = append(breaches, domain.FatFingerBreach{
			Type:   "qty",
			Limit:  decimal.NewFromInt(*effective.MaxQty).String(),
			Actual: decimal.NewFromInt(req.Qty).String(),
		})
	}

	var advPct *decimal.Decimal
	if effective.MaxADVPct != nil {
		if req.ADV == nil || *req.ADV <= 0 {
			missingFields = append(missingFields, "adv")
		} else {
			pct := decimal.NewFromInt(req.Qty).DivRound(decimal.NewFromInt(*req.ADV), 8)
			advPct = &pct
			if pct.GreaterThan(*effective.MaxADVPct) {
				breaches = append(breaches, domain.FatFingerBreach{
					Type:   "adv_pct",
					Limit:  effective.MaxADVPct.String(),
					Actual: pct.String(),
					Metadata: map[string]any{
						"adv": *req.ADV,
						"qty": req.Qty,
					},
				})
			}
		}
	}

	if len(missingFields) > 0 {
		breaches = append(breaches, domain.FatFingerBreach{
			Type:     "data_unavailable",
			Metadata: map[string]any{"missing": missingFields},
		})
	}

	return Result{
		Breached:   len(breaches) > 0,
		Breaches:   breaches,
		Thresholds: effective,
		Notional:   notional,
		ADV:        req.ADV,
		ADVPct:     advPct,
		Price:      req.Price,
	}
}
