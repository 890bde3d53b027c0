package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired         = sterrors.New("eventflow: service is required")
	ErrHandlerRequired         = sterrors.New("eventflow: handler is required")
	ErrTypeTagRequired         = sterrors.New("eventflow: type tag is required")
	ErrSubscriptionRequired    = sterrors.New("eventflow: subscription topic and name are required")
	ErrBusRequired             = sterrors.New("eventflow: bus is required")
	ErrStoreRequired           = sterrors.New("eventflow: store is required")
	ErrTopicRequired           = sterrors.New("eventflow: topic is required")
	ErrConfigRequired          = sterrors.New("eventflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("eventflow: logger is required")
	ErrEnvelopeRequired        = sterrors.New("eventflow: envelope is required")
	ErrEventsRequired          = sterrors.New("eventflow: at least one event is required")
	ErrProcessRequired         = sterrors.New("eventflow: process definition is required")
	ErrDuplicateCommandHandler = sterrors.New("eventflow: command already has a handler")
	ErrHandlerKindMismatch     = sterrors.New("eventflow: type tag already registered with a different handler kind")
	ErrUnknownTypeTag          = sterrors.New("eventflow: unknown type tag")
	ErrEventNotFound           = sterrors.New("eventflow: stored event not found")
	ErrStreamTypeMismatch      = sterrors.New("eventflow: stream type does not match stored stream")
	ErrLockLost                = sterrors.New("eventflow: message lock lost or expired")
	ErrSessionsNotEnabled      = sterrors.New("eventflow: subscription is not session enabled")
	ErrClosed                  = sterrors.New("eventflow: closed")
	ErrInstanceNotFound        = sterrors.New("eventflow: process instance not found")
	ErrTimeoutNameInvalid      = sterrors.New("eventflow: timeout name must be non-empty and single-line")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("eventflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
