// Package bridge adapts a watermill publisher and subscriber pair to the
// transport.Bus contract. Brokers reached through watermill do not share one
// model for delivery counts, dead letters or sessions, so the bridge provides
// them at the application level:
//
//   - delivery counts are tracked per message id for the lifetime of the bus,
//     or taken from the broker when it reports a higher one
//   - dead letters are published to the topic plus a suffix
//   - session locks are held in process, one session key per receiver
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
)

const (
	DefaultDeadLetterSuffix = ".deadletter"
	DefaultMaxDeliveryCount = 10

	reasonMaxDelivery    = "max delivery count exceeded"
	reasonSessionMissing = "session key required by session-enabled subscription"
	reasonUndecodable    = "undecodable envelope"
)

// SubscriberFactory opens the watermill subscriber backing one subscription.
// Brokers map the subscription name onto their consumer group or queue.
type SubscriberFactory func(sub transport.Subscription) (message.Subscriber, error)

// Config tunes a bridged bus.
type Config struct {
	// Capabilities reported by the bus.
	Capabilities     transport.Capabilities
	DeadLetterSuffix string
	MaxDeliveryCount int
	Retry            transport.RetryPolicy

	// MetricsRegisterer enables the watermill publisher and subscriber metrics.
	MetricsRegisterer prometheus.Registerer
	MetricsNamespace  string
}

func (c Config) withDefaults() Config {
	if c.DeadLetterSuffix == "" {
		c.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "eventflow"
	}
	return c
}

// ConfigFrom reads the delivery settings shared by every bridged transport.
func ConfigFrom(cfg transport.Config, caps transport.Capabilities) Config {
	c := Config{Capabilities: caps, Retry: transport.RetryPolicyFromConfig(cfg)}
	if cfg != nil {
		c.DeadLetterSuffix = cfg.GetDeadLetterSuffix()
		c.MaxDeliveryCount = cfg.GetMaxDeliveryCount()
	}
	return c
}

// Bus is a transport.Bus over watermill.
type Bus struct {
	publisher     message.Publisher
	newSubscriber SubscriberFactory
	metrics       *metrics.PrometheusMetricsBuilder
	cfg           Config
	logger        watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New wraps publisher. Subscriptions are opened through newSubscriber when
// first used.
func New(publisher message.Publisher, newSubscriber SubscriberFactory, cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if publisher == nil || newSubscriber == nil {
		return nil, errspkg.ErrBusRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	b := &Bus{
		publisher:     publisher,
		newSubscriber: newSubscriber,
		cfg:           cfg,
		logger:        logger.With(watermill.LogFields{"transport": cfg.Capabilities.Name}),
		subs:          make(map[string]*subscription),
	}
	if cfg.MetricsRegisterer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(cfg.MetricsRegisterer, cfg.MetricsNamespace, cfg.Capabilities.Name)
		decorated, err := builder.DecoratePublisher(publisher)
		if err != nil {
			return nil, fmt.Errorf("bridge: decorate publisher: %w", err)
		}
		b.publisher = decorated
		b.metrics = &builder
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Capabilities returns the capabilities of the bridged broker.
func (b *Bus) Capabilities() transport.Capabilities {
	return b.cfg.Capabilities
}

func (b *Bus) Send(ctx context.Context, topic string, env *envelopepkg.Envelope) error {
	return transport.SendWithRetry(ctx, b.cfg.Retry, topic, env, func(ctx context.Context) error {
		if b.isClosed() {
			return errspkg.Permanent(errspkg.ErrClosed)
		}
		msg := envelopepkg.ToWatermill(env)
		msg.SetContext(ctx)
		if err := b.publisher.Publish(topic, msg); err != nil {
			return errspkg.Transient(err)
		}
		return nil
	})
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribe opens the subscription and starts pulling from the broker. It is
// idempotent.
func (b *Bus) Subscribe(_ context.Context, sub transport.Subscription) error {
	_, err := b.subscription(sub)
	return err
}

func (b *Bus) subscription(cfg transport.Subscription) (*subscription, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errspkg.ErrClosed
	}
	if s, ok := b.subs[cfg.Key()]; ok {
		return s, nil
	}

	subscriber, err := b.newSubscriber(cfg)
	if err != nil {
		return nil, fmt.Errorf("bridge: open subscriber for %s: %w", cfg.Key(), err)
	}
	if b.metrics != nil {
		if subscriber, err = b.metrics.DecorateSubscriber(subscriber); err != nil {
			return nil, fmt.Errorf("bridge: decorate subscriber: %w", err)
		}
	}
	messages, err := subscriber.Subscribe(b.ctx, cfg.Topic)
	if err != nil {
		_ = subscriber.Close()
		return nil, fmt.Errorf("bridge: subscribe to %s: %w", cfg.Topic, err)
	}

	s := newSubscription(b, cfg.WithDefaults(b.cfg.MaxDeliveryCount, 0), subscriber)
	b.subs[cfg.Key()] = s
	go s.pump(messages)

	b.logger.Debug("Subscription opened", watermill.LogFields{
		"topic":        cfg.Topic,
		"subscription": cfg.Name,
		"sessions":     cfg.SessionEnabled,
	})
	return s, nil
}

func (b *Bus) Receiver(_ context.Context, cfg transport.Subscription) (transport.Receiver, error) {
	s, err := b.subscription(cfg)
	if err != nil {
		return nil, err
	}
	if s.cfg.SessionEnabled {
		return nil, fmt.Errorf("bridge: subscription %s requires AcceptSession", s.cfg.Key())
	}
	return &receiver{sub: s}, nil
}

func (b *Bus) AcceptSession(ctx context.Context, cfg transport.Subscription) (transport.SessionReceiver, error) {
	s, err := b.subscription(cfg)
	if err != nil {
		return nil, err
	}
	if !s.cfg.SessionEnabled {
		return nil, errspkg.ErrSessionsNotEnabled
	}
	return s.acceptSession(ctx)
}

// ActiveSessions counts distinct sessions with pending messages.
func (b *Bus) ActiveSessions(_ context.Context, cfg transport.Subscription) (int, error) {
	s, err := b.subscription(cfg)
	if err != nil {
		return 0, err
	}
	return s.activeSessions(), nil
}

// Pending returns the number of messages pulled from the broker and not yet settled.
func (b *Bus) Pending(cfg transport.Subscription) int {
	s, err := b.subscription(cfg)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.cancel()
	var firstErr error
	for _, s := range subs {
		s.close()
		if err := s.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// deadLetter publishes msg to the dead-letter topic of sub.
func (b *Bus) deadLetter(sub transport.Subscription, msg *message.Message, reason string, deliveryCount int) error {
	dl := msg.Copy()
	dl.Metadata.Set(metadatapkg.KeyDeadLetterReason, reason)
	dl.Metadata.Set(metadatapkg.KeyOriginalTopic, sub.Topic)
	dl.Metadata.Set(metadatapkg.KeyDeliveryCount, strconv.Itoa(deliveryCount))
	dl.Metadata.Set(middleware.ReasonForPoisonedKey, reason)
	dl.Metadata.Set(middleware.PoisonedTopicKey, sub.Topic)
	dl.Metadata.Set(middleware.PoisonedSubscriberKey, sub.Name)

	topic := sub.Topic + b.cfg.DeadLetterSuffix
	if err := b.publisher.Publish(topic, dl); err != nil {
		return errspkg.Transient(fmt.Errorf("bridge: publish dead letter to %s: %w", topic, err))
	}
	b.logger.Info("Message dead-lettered", watermill.LogFields{
		"message_uuid":   msg.UUID,
		"topic":          topic,
		"reason":         reason,
		"delivery_count": deliveryCount,
	})
	return nil
}
