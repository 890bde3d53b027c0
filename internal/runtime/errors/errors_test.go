package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "eventflow: service is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "eventflow: handler is required"},
		{"ErrTopicRequired", ErrTopicRequired, "eventflow: topic is required"},
		{"ErrConfigRequired", ErrConfigRequired, "eventflow: configuration is required"},
		{"ErrEventsRequired", ErrEventsRequired, "eventflow: at least one event is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := NewConfigValidationError(inner)

	want := "eventflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should match wrapped error")
	}
	if NewConfigValidationError(nil) != nil {
		t.Error("expected nil for nil input")
	}
}

func TestConcurrencyConflictMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("append: %w", NewConcurrencyConflict("stream", "s1", 2, 3))

	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatal("expected conflict to match sentinel")
	}
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %T", err)
	}
	if conflict.Expected != 2 || conflict.Actual != 3 {
		t.Fatalf("unexpected versions: %+v", conflict)
	}
	if Classify(err) != ClassConflict {
		t.Fatalf("expected conflict class, got %v", Classify(err))
	}
}

func TestSendFailureUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := &SendFailureError{Topic: "orders", MessageID: uuid.New(), Err: cause}

	if !errors.Is(err, ErrSendFailure) {
		t.Fatal("expected send failure sentinel")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
}

func TestProcessNotFoundMatchesSentinel(t *testing.T) {
	err := &ProcessNotFoundError{ProcessType: "order", ProcessID: uuid.New(), TypeTag: "OrderPaid"}
	if !errors.Is(err, ErrProcessNotFound) {
		t.Fatal("expected process not found sentinel")
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("expected nil passthrough")
	}

	cause := errors.New("bad payload")
	err := Permanent(cause)
	if !IsPermanent(err) {
		t.Fatal("expected permanent error")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if Permanent(err) != err {
		t.Fatal("expected double wrap to be a no-op")
	}
	if IsPermanent(cause) {
		t.Fatal("plain errors are not permanent")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"unknown", errors.New("boom"), ClassTransient},
		{"transient", Transient(errors.New("dial")), ClassTransient},
		{"throttled", fmt.Errorf("receive: %w", ErrThrottled), ClassThrottled},
		{"permanent", Permanent(errors.New("decode")), ClassPermanent},
		{"poison", ErrPoisonMessage, ClassPermanent},
		{"conflict", ErrConcurrencyConflict, ClassConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThrottledIsTransient(t *testing.T) {
	if !errors.Is(ErrThrottled, ErrTransientTransport) {
		t.Fatal("expected throttled to be transient")
	}
}
