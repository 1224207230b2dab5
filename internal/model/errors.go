package model

import "fmt"

// ValidationError reports bad input shape or range. It is raised before
// any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for a field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError reports an operation that is not legal in the
// entity's current lifecycle state.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// PriceViolationError reports a fill that is not marketable against the
// order's limit price.
type PriceViolationError struct {
	OrderID string
	Side    Side
	LimitPx string
	FillPx  string
}

func (e *PriceViolationError) Error() string {
	return fmt.Sprintf("price violation: order %s: %s fill at %s not marketable against limit %s",
		e.OrderID, e.Side, e.FillPx, e.LimitPx)
}

// ConcurrencyConflictError reports serialization-scope contention beyond
// the bounded wait. The caller should retry.
type ConcurrencyConflictError struct {
	Scope string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict: scope %s is busy, retry", e.Scope)
}

// SettlementConflictError reports a settlement batch key that is already
// RUNNING or COMPLETED.
type SettlementConflictError struct {
	Key    string
	Status BatchStatus
}

func (e *SettlementConflictError) Error() string {
	return fmt.Sprintf("settlement conflict: batch %s is %s", e.Key, e.Status)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
