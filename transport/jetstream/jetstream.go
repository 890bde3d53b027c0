// Package jetstream provides a NATS JetStream transport for eventflow.
//
// Every topic maps to a subject of one stream and every subscription to a
// durable pull consumer on that subject. Publishing sets the Nats-Msg-Id
// header to the envelope message id, so the stream drops duplicate sends
// inside its duplicate window. Redelivery counts come from JetStream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "EVENTFLOW"

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = 7 * 24 * time.Hour

	// DefaultDuplicateWindow is the window in which repeated message ids are dropped.
	DefaultDuplicateWindow = 2 * time.Minute

	fetchBatch   = 10
	fetchMaxWait = time.Second
	fetchBackoff = time.Second
)

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new JetStream bus.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
	}, logger)
	if err != nil {
		return nil, err
	}

	bus, err := bridge.New(t, t.subscriberFor, bridge.ConfigFrom(cfg, transport.JetStreamCapabilities), logger)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return bus, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	StreamName string

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	MaxAge          time.Duration
	DuplicateWindow time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// StreamConfig describes the stream holding every topic of cfg.
func StreamConfig(cfg Config) *nats.StreamConfig {
	cfg = cfg.withDefaults()
	streamCfg := &nats.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.StreamName + ".>"},
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
		Replicas:   cfg.Replicas,
	}
	switch cfg.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

// ConsumerConfig describes the durable consumer of sub. Redelivery is
// unbounded; the bus dead-letters once the subscription's maximum is reached.
func ConsumerConfig(cfg Config, sub transport.Subscription) *nats.ConsumerConfig {
	cfg = cfg.withDefaults()
	ackWait := cfg.AckWait
	if sub.LockDuration > 0 {
		ackWait = sub.LockDuration
	}
	return &nats.ConsumerConfig{
		Durable:       ConsumerName(sub),
		FilterSubject: Subject(cfg.StreamName, sub.Topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    -1,
		AckWait:       ackWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
}

// Subject maps a topic to its stream subject.
func Subject(stream, topic string) string {
	return stream + "." + topic
}

var consumerNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_")

// ConsumerName derives a durable consumer name from the subscription.
func ConsumerName(sub transport.Subscription) string {
	return consumerNameReplacer.Replace(sub.Topic + "__" + sub.Name)
}

// Transport publishes to and pulls from one JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu         sync.Mutex
	closed     bool
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger.With(watermill.LogFields{"stream": cfg.StreamName}),
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := StreamConfig(t.config)
	if _, err := t.js.AddStream(streamCfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return err
		}
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return err
		}
		t.logger.Info("JetStream stream updated", nil)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish stores messages in the stream.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}

	subject := Subject(t.config.StreamName, topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}

		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}
		if _, err := t.js.PublishMsg(natsMsg, nats.MsgId(msg.UUID), nats.Context(msg.Context())); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

func (t *Transport) subscriberFor(sub transport.Subscription) (message.Subscriber, error) {
	consumerCfg := ConsumerConfig(t.config, sub)
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", consumerCfg.Durable, err)
		}
	}
	return &subscriber{t: t, consumer: consumerCfg.Durable}, nil
}

// Close closes the connection. Pull loops stop with it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.mu.Unlock()

	t.nc.Close()
	return nil
}

// subscriber pulls one durable consumer. Closing it leaves the connection to
// the Transport.
type subscriber struct {
	t        *Transport
	consumer string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}

	sub, err := s.t.js.PullSubscribe(Subject(s.t.config.StreamName, topic), s.consumer, nats.Bind(s.t.config.StreamName, s.consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	output := make(chan *message.Message)
	go s.fetch(ctx, sub, output, topic)
	return output, nil
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	return nil
}

// fetch hands one message at a time to output and settles it in JetStream
// once the consumer acks or nacks it.
func (s *subscriber) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	logger := s.t.logger.With(watermill.LogFields{"topic": topic, "consumer": s.consumer})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			logger.Error("Failed to fetch messages", err, nil)
			select {
			case <-ctx.Done():
				return
			case <-s.t.closedChan:
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := toWatermill(natsMsg)
			select {
			case output <- wmMsg:
			case <-ctx.Done():
				return
			}
			select {
			case <-wmMsg.Acked():
				if err := natsMsg.Ack(); err != nil {
					logger.Error("Failed to ack", err, nil)
				}
			case <-wmMsg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					logger.Error("Failed to nak", err, nil)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// toWatermill rebuilds the published message. The message id travels in the
// Nats-Msg-Id header.
func toWatermill(natsMsg *nats.Msg) *message.Message {
	wmMsg := message.NewMessage(natsMsg.Header.Get(nats.MsgIdHdr), natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	if meta, err := natsMsg.Metadata(); err == nil {
		wmMsg.Metadata.Set(metadatapkg.KeyBrokerDeliveryCount, strconv.FormatUint(meta.NumDelivered, 10))
	}
	return wmMsg
}
