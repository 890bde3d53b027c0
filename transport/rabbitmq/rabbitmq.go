// Package rabbitmq provides a RabbitMQ/AMQP transport for eventflow. Topics
// are fanout exchanges and every subscription owns a durable queue bound to
// its topic.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ bus over one shared connection.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	url := cfg.GetRabbitMQURL()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	pub, err := PublisherFactory(amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		closeConnection(conn)
		return nil, err
	}
	publisher := &connPublisher{Publisher: pub, conn: conn}

	newSubscriber := func(sub transport.Subscription) (message.Subscriber, error) {
		return SubscriberFactory(SubscriberConfig(url, sub), logger, conn)
	}

	bus, err := bridge.New(publisher, newSubscriber, bridge.ConfigFrom(cfg, transport.RabbitMQCapabilities), logger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return bus, nil
}

// SubscriberConfig declares the durable queue of sub, named after its topic
// and subscription name.
func SubscriberConfig(url string, sub transport.Subscription) amqp.Config {
	return amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(sub.Name))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// connPublisher closes the shared connection after the publisher. Publishers
// and subscribers built on an existing connection leave it open.
type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	err := p.Publisher.Close()
	closeConnection(p.conn)
	return err
}

func closeConnection(conn *amqp.ConnectionWrapper) {
	if conn != nil {
		_ = conn.Close()
	}
}
