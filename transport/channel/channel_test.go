package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	"github.com/drblury/eventflow/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.RequiresDLQEmulation())
	assert.True(t, caps.RequiresSessionEmulation())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildDeliversToEverySubscription(t *testing.T) {
	ctx := context.Background()
	bus, err := transport.Build(ctx, &configpkg.Config{Transport: TransportName}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	billing := transport.Subscription{Topic: "orders", Name: "billing"}
	shipping := transport.Subscription{Topic: "orders", Name: "shipping"}
	require.NoError(t, bus.Subscribe(ctx, billing))
	require.NoError(t, bus.Subscribe(ctx, shipping))

	env, err := envelopepkg.New("order.placed", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, "orders", env))

	for _, sub := range []transport.Subscription{billing, shipping} {
		r, err := bus.Receiver(ctx, sub)
		require.NoError(t, err)
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		d, err := r.Receive(rctx)
		cancel()
		require.NoError(t, err, sub.Name)
		assert.Equal(t, env.MessageID(), d.Envelope.MessageID())
		require.NoError(t, r.Complete(ctx, d))
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	var used bool
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		used = true
		return original(cfg, logger)
	}

	bus, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	assert.True(t, used)
	require.NoError(t, bus.Close())
}
