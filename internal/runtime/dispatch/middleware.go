package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
)

const tracerName = "eventflow/dispatch"

// Middleware wraps a handler.
type Middleware func(Handler) Handler

// MiddlewareBuilder constructs a middleware for the dispatcher it is registered on.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Dispatcher) (Middleware, error)

// MiddlewareRegistration captures how a middleware is added to a dispatcher.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

func (r MiddlewareRegistration) build(d *Dispatcher) (Middleware, error) {
	switch {
	case r.Middleware != nil:
		return r.Middleware, nil
	case r.Builder != nil:
		return r.Builder(d)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// DefaultMiddlewares returns the standard chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type correlationKey struct{}

// ContextWithCorrelationID stores id in ctx.
func ContextWithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id of the message being handled.
func CorrelationIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(correlationKey{}).(uuid.UUID)
	return id, ok
}

// CorrelationIDMiddleware exposes the correlation id through the context and the
// message logger.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h Handler) Handler {
			return HandlerFunc(func(ctx context.Context, msg *Message) error {
				id := msg.CorrelationID()
				if msg.Logger != nil {
					msg.Logger = msg.Logger.With(loggingpkg.LogFields{"correlation_id": id.String()})
				}
				return h.Handle(ContextWithCorrelationID(ctx, id), msg)
			})
		},
	}
}

// LogMessagesMiddleware logs every handled message at debug level. A nil logger
// uses the dispatcher logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(d *Dispatcher) (Middleware, error) {
			l := logger
			if l == nil {
				l = d.logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return func(h Handler) Handler {
				return HandlerFunc(func(ctx context.Context, msg *Message) error {
					l.Debug("Processing message", loggingpkg.LogFields{
						"message_id":     msg.MessageID().String(),
						"type_tag":       msg.TypeTag(),
						"handler":        msg.HandlerName,
						"delivery_count": msg.DeliveryCount,
						"metadata":       msg.Envelope.Metadata(),
					})
					return h.Handle(ctx, msg)
				})
			}, nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span. A trace
// context carried in the envelope metadata becomes the remote parent.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h Handler) Handler {
			return HandlerFunc(func(ctx context.Context, msg *Message) error {
				ctx = remoteParent(ctx, msg.Envelope.Header(metadatapkg.KeyTraceID), msg.Envelope.Header(metadatapkg.KeySpanID))
				ctx, span := otel.Tracer(tracerName).Start(ctx, "Handle "+msg.TypeTag(),
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(
						attribute.String("message.id", msg.MessageID().String()),
						attribute.String("message.type_tag", msg.TypeTag()),
						attribute.String("message.correlation_id", msg.CorrelationID().String()),
						attribute.String("messaging.destination", msg.Topic),
						attribute.String("eventflow.handler", msg.HandlerName),
						attribute.Int("eventflow.delivery_count", msg.DeliveryCount),
					),
				)
				defer span.End()

				err := h.Handle(ctx, msg)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return err
			})
		},
	}
}

func remoteParent(ctx context.Context, traceHex, spanHex string) context.Context {
	if traceHex == "" || spanHex == "" {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// MetricsMiddleware records handler outcomes and durations. It is skipped when the
// dispatcher has no metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (Middleware, error) {
			if d.metrics == nil {
				return nil, nil
			}
			m := d.metrics
			return func(h Handler) Handler {
				return HandlerFunc(func(ctx context.Context, msg *Message) error {
					start := time.Now()
					err := h.Handle(ctx, msg)
					m.RecordHandled(msg.TypeTag(), msg.HandlerName, outcomeOf(err), time.Since(start))
					return err
				})
			}, nil
		},
	}
}

func outcomeOf(err error) string {
	switch errspkg.Classify(err) {
	case errspkg.ClassNone:
		return telemetry.OutcomeSuccess
	case errspkg.ClassPermanent:
		return telemetry.OutcomePermanent
	default:
		return telemetry.OutcomeTransient
	}
}

// RecovererMiddleware converts handler panics into permanent errors so the
// message is dead-lettered instead of crashing the loop.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recoverer,
	}
}

func recoverer(h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errspkg.Permanent(fmt.Errorf("panic occurred: %v, stacktrace: \n%s", r, debug.Stack()))
			}
		}()
		return h.Handle(ctx, msg)
	})
}
