package campaign

import (
	"errors"
	"fmt"

	"campaignd/internal/channel"
	"campaignd/internal/ledger"
)

var (
	ErrNoRecipients          = errors.New("no recipients")
	ErrInvalidChannelPayload = errors.New("invalid channel payload")
	ErrInvalidAddress        = errors.New("invalid recipient address")
	ErrInvalidTransition     = errors.New("invalid campaign transition")
	ErrNotFound              = errors.New("campaign not found")
	ErrStopped               = errors.New("dispatcher stopped")
)

// ValidationError rejects a submission before any side effect. It matches
// its own sentinel and ledger.ErrValidation.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ledger.ErrValidation }

func invalidf(sentinel error, format string, args ...any) error {
	return &ValidationError{Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

// TransitionError is returned for control calls the lifecycle does not allow.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign %s: cannot go from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ExternalSendError records why a recipient was not fully delivered. It is
// stored on the recipient and never returned to the submitter.
type ExternalSendError struct {
	Index    int
	ChatID   string
	Instance string
	Kind     channel.Kind
	Code     string
	Err      error
}

func (e *ExternalSendError) Error() string {
	return fmt.Sprintf("send %s to %s via %s: %v", e.Kind, e.ChatID, e.Instance, e.Err)
}

func (e *ExternalSendError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure of the campaign store. It matches
// ledger.ErrPersistence so callers handle both stores alike.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("campaign store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error        { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ledger.ErrPersistence }
func (e *PersistenceError) Temporary() bool      { return true }
