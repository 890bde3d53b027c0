package eventflow

import (
	"context"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	codecpkg "github.com/drblury/eventflow/internal/runtime/codec"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/eventstore"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	relaypkg "github.com/drblury/eventflow/internal/runtime/relay"
	sagapkg "github.com/drblury/eventflow/internal/runtime/saga"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
	throttlepkg "github.com/drblury/eventflow/internal/runtime/throttle"
	"github.com/drblury/eventflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status
	DispatcherStatus    = runtimepkg.DispatcherStatus

	Envelope       = envelopepkg.Envelope
	EnvelopeOption = envelopepkg.Option
	Metadata       = metadatapkg.Metadata

	// Event store
	EventStore  = eventstore.Store
	EventData   = eventstore.EventData
	StoredEvent = eventstore.StoredEvent
	Cursor      = eventstore.Cursor

	// Relay
	Relay       = relaypkg.Relay
	RelayResult = relaypkg.Result
	TopicFunc   = relaypkg.TopicFunc

	// Bus
	Bus              = transport.Bus
	Sender           = transport.Sender
	Receiver         = transport.Receiver
	SessionReceiver  = transport.SessionReceiver
	Delivery         = transport.Delivery
	Subscription     = transport.Subscription
	DeadLetter       = transport.DeadLetter
	DeadLetterReader = transport.DeadLetterReader
	TransportBuilder = transport.Builder
	TransportConfig  = transport.Config
	Capabilities     = transport.Capabilities

	// Dispatch
	Dispatcher             = dispatchpkg.Dispatcher
	Registry               = dispatchpkg.Registry
	Message                = dispatchpkg.Message
	Handler                = dispatchpkg.Handler
	HandlerFunc            = dispatchpkg.HandlerFunc
	Middleware             = dispatchpkg.Middleware
	MiddlewareBuilder      = dispatchpkg.MiddlewareBuilder
	MiddlewareRegistration = dispatchpkg.MiddlewareRegistration
	JobContext             = dispatchpkg.JobContext
	JobHooks               = dispatchpkg.JobHooks
	LoopState              = dispatchpkg.LoopState

	// Throttling
	ThrottleConfig = throttlepkg.Config
	ThrottleState  = throttlepkg.State

	// Sagas
	Process               = sagapkg.Process
	Definition[S any]     = sagapkg.Definition[S]
	Inbound               = sagapkg.Inbound
	Outbound              = sagapkg.Outbound
	Outcome               = sagapkg.Outcome
	TimeoutRequest        = sagapkg.TimeoutRequest
	ProcessInstance       = sagapkg.Instance
	SagaStore             = sagapkg.Store
	SagaRouter            = sagapkg.Router
	Serializer            = codecpkg.Serializer
	Codec                 = codecpkg.Codec
	DeadLetterStats       = telemetry.DeadLetterStats
	DeadLetterSnapshot    = telemetry.Snapshot
	Metrics               = telemetry.Metrics
	ConfigValidationError = errspkg.ConfigValidationError

	// Errors
	ConcurrencyConflictError = errspkg.ConcurrencyConflictError
	ProcessNotFoundError     = errspkg.ProcessNotFoundError
	SendFailureError         = errspkg.SendFailureError
	ErrorClass               = errspkg.Class

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]
)

var (
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope       = envelopepkg.New
	WithMessageID     = envelopepkg.WithMessageID
	WithCorrelationID = envelopepkg.WithCorrelationID
	WithSessionKey    = envelopepkg.WithSessionKey
	WithSentAt        = envelopepkg.WithSentAt
	WithMetadata      = envelopepkg.WithMetadata

	NewMemoryEventStore = eventstore.NewMemoryStore
	NewMemorySagaStore  = sagapkg.NewMemoryStore
	FixedTopic          = relaypkg.FixedTopic

	NewRegistry   = dispatchpkg.NewRegistry
	NewSerializer = codecpkg.NewSerializer
	WithName      = dispatchpkg.WithName

	DefaultMiddlewares      = dispatchpkg.DefaultMiddlewares
	CorrelationIDMiddleware = dispatchpkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = dispatchpkg.LogMessagesMiddleware
	TracerMiddleware        = dispatchpkg.TracerMiddleware
	MetricsMiddleware       = dispatchpkg.MetricsMiddleware
	RecovererMiddleware     = dispatchpkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = dispatchpkg.JobHooksMiddleware
	LoggingHooks       = dispatchpkg.LoggingHooks
	AlertingHooks      = dispatchpkg.AlertingHooks

	// Transport registry. Built-in transports register themselves when the
	// Service package is imported.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Permanent   = errspkg.Permanent
	IsPermanent = errspkg.IsPermanent
	Transient   = errspkg.Transient
	Classify    = errspkg.Classify

	Marshal   = codecpkg.Marshal
	Unmarshal = codecpkg.Unmarshal
	Encode    = codecpkg.Encode
	Decode    = codecpkg.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTypeTagRequired      = errspkg.ErrTypeTagRequired
	ErrSubscriptionRequired = errspkg.ErrSubscriptionRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLockLost             = errspkg.ErrLockLost
	ErrSessionsNotEnabled   = errspkg.ErrSessionsNotEnabled
	ErrClosed               = errspkg.ErrClosed
	ErrInstanceNotFound     = errspkg.ErrInstanceNotFound
	ErrConcurrencyConflict  = errspkg.ErrConcurrencyConflict
	ErrTransientTransport   = errspkg.ErrTransientTransport
	ErrThrottled            = errspkg.ErrThrottled
	ErrPoisonMessage        = errspkg.ErrPoisonMessage
	ErrProcessNotFound      = errspkg.ErrProcessNotFound
	ErrSendFailure          = errspkg.ErrSendFailure

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata  = metadatapkg.New
	NewMessageID = idspkg.NewMessageID
	EventID      = idspkg.EventID
	CreateULID   = idspkg.CreateULID
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
	MetadataKeyStreamID         = metadatapkg.KeyStreamID
	MetadataKeyStreamType       = metadatapkg.KeyStreamType
	MetadataKeyStreamVersion    = metadatapkg.KeyStreamVersion
	MetadataKeyDeliveryCount    = metadatapkg.KeyDeliveryCount
	MetadataKeyDeadLetterReason = metadatapkg.KeyDeadLetterReason
	MetadataKeyTraceID          = metadatapkg.KeyTraceID
	MetadataKeySpanID           = metadatapkg.KeySpanID

	// TimeoutTag is the type tag of fired saga timeouts.
	TimeoutTag = sagapkg.TimeoutTag
)

// Error classes returned by Classify.
const (
	ClassNone      = errspkg.ClassNone
	ClassTransient = errspkg.ClassTransient
	ClassThrottled = errspkg.ClassThrottled
	ClassConflict  = errspkg.ClassConflict
	ClassPermanent = errspkg.ClassPermanent
)

// NewService builds a Service from cfg. See ServiceDependencies for the
// collaborators that can be supplied instead of built.
func NewService(ctx context.Context, cfg *Config, log ServiceLogger, deps ServiceDependencies) (*Service, error) {
	return runtimepkg.NewService(ctx, cfg, log, deps)
}

// Typed adapts fn to a Handler receiving the payload as T.
func Typed[T any](fn func(ctx context.Context, msg *Message, payload T) error) Handler {
	return dispatchpkg.Typed(fn)
}

// RegisterType binds tag to T in s so payloads are decoded before dispatch.
func RegisterType[T any](s *Serializer, tag string) error {
	return codecpkg.RegisterType[T](s, tag)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
