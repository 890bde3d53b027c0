// Package kafka provides a Kafka transport for eventflow.
//
// Envelopes are keyed by session key, so every message of a session lands on
// the same partition. Each subscription reads through its own consumer group.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Marshaler partitions by the envelope session key. Messages without one are
// spread by the producer.
var Marshaler = kafka.NewWithPartitioningMarshaler(PartitionKey)

// PartitionKey returns the session key carried in the message metadata.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(metadatapkg.KeySessionKey), nil
}

// Build creates a new Kafka bus.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	brokers := cfg.GetKafkaBrokers()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: Marshaler,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	newSubscriber := func(sub transport.Subscription) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:       brokers,
				Unmarshaler:   Marshaler,
				ConsumerGroup: ConsumerGroup(cfg.GetKafkaConsumerGroup(), sub),
			},
			logger,
		)
	}

	bus, err := bridge.New(publisher, newSubscriber, bridge.ConfigFrom(cfg, transport.KafkaCapabilities), logger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return bus, nil
}

// ConsumerGroup names the consumer group of sub. A configured group is used
// as prefix.
func ConsumerGroup(prefix string, sub transport.Subscription) string {
	if prefix == "" {
		return sub.Name
	}
	return prefix + "." + sub.Name
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
