package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrHierarchyViolation = errors.New("hierarchy violation")
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrPersistence        = errors.New("persistence failure")
)

// InsufficientFundsError reports the balance seen when a debit or transfer
// was rejected.
type InsufficientFundsError struct {
	Account  string
	Category string
	Balance  int64
	Amount   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s category %s has %d, needs %d", e.Account, e.Category, e.Balance, e.Amount)
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

type HierarchyViolationError struct {
	From string
	To   string
}

func (e *HierarchyViolationError) Error() string {
	return fmt.Sprintf("hierarchy violation: %s is not an ancestor of %s", e.From, e.To)
}

func (e *HierarchyViolationError) Is(target error) bool { return target == ErrHierarchyViolation }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// PersistenceError wraps a storage failure. Nothing of the failed operation
// was committed; callers may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: persistence: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error        { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
func (e *PersistenceError) Temporary() bool      { return true }

// classify maps an error to a metrics result label.
func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrHierarchyViolation):
		return "hierarchy"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "persistence"
	}
}

// wrapStore leaves classified errors, including anything matching
// ErrPersistence, as they are and turns everything else into a
// *PersistenceError.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	switch classify(err) {
	case "persistence":
		if errors.Is(err, ErrPersistence) {
			return err
		}
		return &PersistenceError{Op: op, Err: err}
	default:
		return err
	}
}
