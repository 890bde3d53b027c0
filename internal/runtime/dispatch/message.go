package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	codecpkg "github.com/drblury/eventflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

// Message is what a handler sees for one delivery.
type Message struct {
	Envelope      *envelopepkg.Envelope
	DeliveryCount int
	Topic         string
	Subscription  string
	// Payload is the body decoded through the serializer, or nil when the type
	// tag is not registered with it.
	Payload any
	// HandlerName is set before each registered handler runs.
	HandlerName string
	Logger      loggingpkg.ServiceLogger
}

func (m *Message) TypeTag() string          { return m.Envelope.TypeTag() }
func (m *Message) MessageID() uuid.UUID     { return m.Envelope.MessageID() }
func (m *Message) CorrelationID() uuid.UUID { return m.Envelope.CorrelationID() }
func (m *Message) SessionKey() string       { return m.Envelope.SessionKey() }

// Handler processes one message. A nil error completes the delivery, an error
// wrapped with errors.Permanent dead-letters it and anything else abandons it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Typed adapts fn to Handler, handing it the payload as T. When the serializer
// did not decode the body, it is unmarshalled as JSON. A payload that does not
// fit T is a permanent failure.
func Typed[T any](fn func(ctx context.Context, msg *Message, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		payload, err := payloadAs[T](msg)
		if err != nil {
			return errspkg.Permanent(err)
		}
		return fn(ctx, msg, payload)
	})
}

func payloadAs[T any](msg *Message) (T, error) {
	var zero T
	switch p := msg.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	case nil:
		return decodeBody[T](msg.Envelope.Body())
	}

	return zero, fmt.Errorf("dispatch: payload %T is not %s", msg.Payload, reflect.TypeFor[T]())
}

func decodeBody[T any](body []byte) (T, error) {
	var out T
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		value := reflect.New(typ.Elem())
		if len(body) > 0 {
			if err := codecpkg.Unmarshal(body, value.Interface()); err != nil {
				return out, fmt.Errorf("dispatch: decode %s: %w", typ, err)
			}
		}
		return value.Interface().(T), nil
	}
	if len(body) > 0 {
		if err := codecpkg.Unmarshal(body, &out); err != nil {
			return out, fmt.Errorf("dispatch: decode %s: %w", typ, err)
		}
	}
	return out, nil
}
