package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// JobContext provides information about a handler execution to hooks.
type JobContext struct {
	// HandlerName is the name of the registered handler.
	HandlerName string
	TypeTag     string
	// Topic and Subscription the delivery came from.
	Topic         string
	Subscription  string
	MessageID     uuid.UUID
	CorrelationID uuid.UUID
	Metadata      metadatapkg.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// DeliveryCount starts at 1 for the first attempt.
	DeliveryCount int
}

// JobHooks defines callbacks for handler lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the error returned by the handler.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after the hooks from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every handler execution.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(h Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message) error {
			job := JobContext{
				HandlerName:   msg.HandlerName,
				TypeTag:       msg.TypeTag(),
				Topic:         msg.Topic,
				Subscription:  msg.Subscription,
				MessageID:     msg.MessageID(),
				CorrelationID: msg.CorrelationID(),
				Metadata:      msg.Envelope.Metadata(),
				Context:       ctx,
				StartedAt:     time.Now(),
				DeliveryCount: msg.DeliveryCount,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			err := h.Handle(ctx, msg)
			job.Duration = time.Since(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return err
		})
	}
}

// LoggingHooks returns hooks that log handler lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"type_tag":       ctx.TypeTag,
				"message_id":     ctx.MessageID.String(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"type_tag":    ctx.TypeTag,
				"message_id":  ctx.MessageID.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"type_tag":       ctx.TypeTag,
				"message_id":     ctx.MessageID.String(),
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on handler errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
