// Package transport defines the message bus contract shared by every eventflow
// broker. Each broker lives in its own sub-package and registers a Builder with
// the transport registry.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Delivery is one delivery attempt of an envelope to a receiver.
type Delivery struct {
	Envelope *envelopepkg.Envelope
	// LockToken identifies the lock held on the message. Complete, Abandon and
	// DeadLetter fail with ErrLockLost once it has been superseded.
	LockToken string
	// DeliveryCount starts at 1 for the first attempt.
	DeliveryCount int
	LockedUntil   time.Time
	// Topic and Subscription the delivery came from.
	Topic        string
	Subscription string
}

// Subscription names a durable subscription on a topic.
type Subscription struct {
	Topic string
	Name  string
	// SessionEnabled subscriptions only hand out messages through AcceptSession.
	SessionEnabled bool
	// MaxDeliveryCount is the number of attempts before an abandoned message is
	// dead-lettered. Zero uses the broker default.
	MaxDeliveryCount int
	LockDuration     time.Duration
}

// Validate reports a missing topic or name.
func (s Subscription) Validate() error {
	if s.Topic == "" || s.Name == "" {
		return errspkg.ErrSubscriptionRequired
	}
	return nil
}

// WithDefaults fills MaxDeliveryCount and LockDuration when unset.
func (s Subscription) WithDefaults(maxDelivery int, lock time.Duration) Subscription {
	if s.MaxDeliveryCount <= 0 {
		s.MaxDeliveryCount = maxDelivery
	}
	if s.LockDuration <= 0 {
		s.LockDuration = lock
	}
	return s
}

// Key identifies the subscription within a broker.
func (s Subscription) Key() string {
	return s.Topic + "/" + s.Name
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s (session=%t)", s.Key(), s.SessionEnabled)
}

// Sender publishes envelopes to a topic.
type Sender interface {
	// Send retries transient failures and returns a *errors.SendFailureError
	// once it gives up.
	Send(ctx context.Context, topic string, env *envelopepkg.Envelope) error
}

// Receiver pulls deliveries from a subscription.
type Receiver interface {
	// Receive blocks until a delivery is available or ctx ends.
	Receive(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	// Abandon releases the lock so the message is delivered again, or moves it to
	// the dead-letter sink once its delivery count reached the maximum.
	Abandon(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Close() error
}

// SessionReceiver is a Receiver bound to one locked session.
type SessionReceiver interface {
	Receiver
	SessionKey() string
	// Release hands the session back to the broker.
	Release(ctx context.Context) error
}

// Bus is the broker client contract.
type Bus interface {
	Sender
	// Subscribe provisions a durable subscription. It is idempotent.
	Subscribe(ctx context.Context, sub Subscription) error
	Receiver(ctx context.Context, sub Subscription) (Receiver, error)
	// AcceptSession blocks until a session with pending messages is free, then
	// locks it for the returned receiver.
	AcceptSession(ctx context.Context, sub Subscription) (SessionReceiver, error)
	Close() error
}

// Renewer is implemented by receivers that can extend a delivery lock.
type Renewer interface {
	Renew(ctx context.Context, d *Delivery) error
}

// SessionCounter is implemented by buses that can count distinct sessions
// with pending messages.
type SessionCounter interface {
	ActiveSessions(ctx context.Context, sub Subscription) (int, error)
}

// DeadLetter is a message moved to a dead-letter sink.
type DeadLetter struct {
	Envelope      *envelopepkg.Envelope
	Reason        string
	DeliveryCount int
	DeadAt        time.Time
	Subscription  string
}

// DeadLetterReader is implemented by buses that expose their dead-letter sink.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, sub Subscription) ([]DeadLetter, error)
}

// CapabilitiesProvider is implemented by buses that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Builder creates a bus from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Bus, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetJetStreamStream() string

	// PostgreSQL and SQLite
	GetPostgresURL() string
	GetSQLiteFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// Delivery
	GetMaxDeliveryCount() int
	GetLockDuration() time.Duration
	GetDeadLetterSuffix() string
	GetSendMaxRetries() int
	GetSendInitialInterval() time.Duration
	GetSendMaxInterval() time.Duration
}
