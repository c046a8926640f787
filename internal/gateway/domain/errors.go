package domain

import "fmt"

// The gateway never uses bare errors.New for anything a caller needs to
// branch on. Each class below maps to one row of the error taxonomy and
// carries the fields a caller (HTTP handler, webhook processor, scheduler)
// needs to decide what to do next, instead of parsing a message string.

// ValidationError covers malformed or out-of-domain request fields caught
// before any gate runs (missing symbol, non-positive qty, unknown side).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// SafetyGateError reports a fail-closed trip: kill switch, circuit breaker,
// quarantine, or reconciliation gate. GateName identifies which one.
type SafetyGateError struct {
	GateName string
	Reason   string
}

func (e *SafetyGateError) Error() string {
	return fmt.Sprintf("safety gate %q tripped: %s", e.GateName, e.Reason)
}

// AvailabilityError means a dependency (coordinator, ledger, broker) could
// not be reached in time; the caller should treat this as fail-closed, not
// as a rejection of the order itself.
type AvailabilityError struct {
	Dependency string
	Cause      error
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Cause)
}

func (e *AvailabilityError) Unwrap() error { return e.Cause }

// FatFingerBreachError carries the structured breach list produced by the
// fat-finger validator so the caller can render it without re-parsing.
type FatFingerBreachError struct {
	Symbol   string
	Breaches []FatFingerBreach
}

func (e *FatFingerBreachError) Error() string {
	return fmt.Sprintf("fat finger: %d breach(es) for %s", len(e.Breaches), e.Symbol)
}

// FatFingerBreach describes a single threshold violation or missing input.
type FatFingerBreach struct {
	Type     string         `json:"type"`
	Limit    string         `json:"limit,omitempty"`
	Actual   string         `json:"actual,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PositionLimitError reports a reservation that would exceed the symbol's
// configured position limit.
type PositionLimitError struct {
	Symbol       string
	Requested    string
	Limit        string
	CurrentQty   string
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit: %s requested=%s current=%s limit=%s",
		e.Symbol, e.Requested, e.CurrentQty, e.Limit)
}

// BrokerValidationError is a 4xx-equivalent broker rejection caused by the
// request itself (bad symbol, tick size, lot size).
type BrokerValidationError struct {
	Code    string
	Message string
}

func (e *BrokerValidationError) Error() string {
	return fmt.Sprintf("broker validation [%s]: %s", e.Code, e.Message)
}

// BrokerRejectionError is a business rejection from the broker (insufficient
// buying power, trading halted) distinct from a malformed request.
type BrokerRejectionError struct {
	Code    string
	Message string
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("broker rejected [%s]: %s", e.Code, e.Message)
}

// BrokerTransportError wraps a network/timeout failure talking to the
// broker, distinct from the broker answering with a rejection.
type BrokerTransportError struct {
	Cause error
}

func (e *BrokerTransportError) Error() string {
	return fmt.Sprintf("broker transport error: %v", e.Cause)
}

func (e *BrokerTransportError) Unwrap() error { return e.Cause }

// ConflictError reports an idempotency-key or sequence conflict: a
// modification arrived out of order, or a duplicate webhook narrowly lost
// a race to a concurrent writer.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// InternalConsistencyError marks a state the gateway considers impossible
// under its own invariants (e.g. an order row vanishing mid-transaction).
// Surfacing it as a distinct type keeps it from being silently swallowed
// by generic error handling upstream.
type InternalConsistencyError struct {
	Detail string
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency violation: %s", e.Detail)
}
