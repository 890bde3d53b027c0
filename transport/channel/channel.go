// Package channel provides an in-process eventflow transport over watermill's
// Go channel pub/sub. Delivery counts, dead letters and sessions come from the
// bridge. Nothing survives a restart.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a bus over one shared Go channel pub/sub. Every subscription
// reads from the same instance, so each named subscription sees every message
// of its topic.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	pub, sub := Factory(gochannel.Config{}, logger)
	return bridge.New(pub, func(transport.Subscription) (message.Subscriber, error) {
		return shared{sub}, nil
	}, bridge.ConfigFrom(cfg, transport.ChannelCapabilities), logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// shared hands the pub/sub to one subscription without letting it close the
// instance the other subscriptions still read from. The bridge closes the
// publisher, which is the same instance, on shutdown.
type shared struct {
	message.Subscriber
}

func (shared) Close() error { return nil }
