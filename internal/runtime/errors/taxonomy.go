package errors

import (
	sterrors "errors"
	"fmt"

	"github.com/google/uuid"
)

// Failure categories shared by the store, bus, dispatcher and saga router.
var (
	// ErrConcurrencyConflict reports a version mismatch on append or persist.
	// Callers reload and retry; nothing is merged.
	ErrConcurrencyConflict = sterrors.New("eventflow: concurrency conflict")

	// ErrTransientTransport reports a broker that is unreachable or overloaded.
	ErrTransientTransport = sterrors.New("eventflow: transient transport failure")

	// ErrThrottled reports a broker throttling response. It is also transient.
	ErrThrottled = fmt.Errorf("eventflow: broker throttled: %w", ErrTransientTransport)

	// ErrPoisonMessage marks a message that must not be retried.
	ErrPoisonMessage = sterrors.New("eventflow: poison message")

	// ErrProcessNotFound reports a non-starter message without a matching process instance.
	ErrProcessNotFound = sterrors.New("eventflow: process not found")

	// ErrSendFailure reports an unrecoverable publish.
	ErrSendFailure = sterrors.New("eventflow: send failure")
)

// ConcurrencyConflictError carries the versions involved in a rejected write.
type ConcurrencyConflictError struct {
	Scope    string
	ID       string
	Expected int
	Actual   int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("eventflow: concurrency conflict on %s %s: expected version %d, actual %d",
		e.Scope, e.ID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// NewConcurrencyConflict builds a ConcurrencyConflictError.
func NewConcurrencyConflict(scope, id string, expected, actual int) *ConcurrencyConflictError {
	return &ConcurrencyConflictError{Scope: scope, ID: id, Expected: expected, Actual: actual}
}

// ProcessNotFoundError identifies the dropped message.
type ProcessNotFoundError struct {
	ProcessType string
	ProcessID   uuid.UUID
	TypeTag     string
}

func (e *ProcessNotFoundError) Error() string {
	return fmt.Sprintf("eventflow: no %s process %s for non-starting message %s",
		e.ProcessType, e.ProcessID, e.TypeTag)
}

func (e *ProcessNotFoundError) Is(target error) bool {
	return target == ErrProcessNotFound
}

// SendFailureError is returned by Send when a publish cannot be completed.
type SendFailureError struct {
	Topic     string
	MessageID uuid.UUID
	Err       error
}

func (e *SendFailureError) Error() string {
	return fmt.Sprintf("eventflow: send of %s to %q failed: %v", e.MessageID, e.Topic, e.Err)
}

func (e *SendFailureError) Unwrap() error { return e.Err }

func (e *SendFailureError) Is(target error) bool {
	return target == ErrSendFailure
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	if e.err == nil {
		return ErrPoisonMessage.Error()
	}
	return fmt.Sprintf("%v: %v", ErrPoisonMessage, e.err)
}

func (e *permanentError) Unwrap() error { return e.err }

func (e *permanentError) Is(target error) bool {
	return target == ErrPoisonMessage
}

// Permanent marks err as non-transient: the dispatcher dead-letters the message
// without further delivery attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should bypass redelivery.
func IsPermanent(err error) bool {
	return err != nil && sterrors.Is(err, ErrPoisonMessage)
}

// Transient wraps err so it matches ErrTransientTransport.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if sterrors.Is(err, ErrTransientTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientTransport, err)
}

// Class groups errors by how callers are expected to react to them.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassThrottled
	ClassConflict
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassThrottled:
		return "throttled"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps err onto a Class. Unknown errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case IsPermanent(err):
		return ClassPermanent
	case sterrors.Is(err, ErrThrottled):
		return ClassThrottled
	case sterrors.Is(err, ErrConcurrencyConflict):
		return ClassConflict
	default:
		return ClassTransient
	}
}
