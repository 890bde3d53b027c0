// Package nats provides a NATS Core transport for eventflow. Each
// subscription is a queue group, so instances sharing a subscription name
// split its messages. Core NATS keeps nothing for offline subscribers.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS Core bus.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	newSubscriber := func(sub transport.Subscription) (message.Subscriber, error) {
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: sub.Name,
				Unmarshaler:      marshaler,
				JetStream:        core,
			},
			logger,
		)
	}

	bus, err := bridge.New(publisher, newSubscriber, bridge.ConfigFrom(cfg, transport.NATSCapabilities), logger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return bus, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
