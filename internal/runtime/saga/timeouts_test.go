package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventflow/internal/runtime/dispatch"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/memory"
)

func newPoller(t *testing.T, store Store, sender transport.Sender, cfg PollerConfig, now *time.Time) *TimeoutPoller {
	t.Helper()
	p, err := NewTimeoutPoller(store, sender, cfg, nil)
	require.NoError(t, err)
	p.now = func() time.Time { return *now }
	return p
}

func TestNewTimeoutPollerValidates(t *testing.T) {
	_, err := NewTimeoutPoller(nil, &recordingSender{}, PollerConfig{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
	_, err = NewTimeoutPoller(NewMemoryStore(), nil, PollerConfig{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)
}

func TestTimeoutEnvelope(t *testing.T) {
	d := DueTimeout{ProcessType: "order", ProcessID: uuid.New(), Timeout: Timeout{Token: "tok", Name: "payment_due"}}
	env, err := TimeoutEnvelope(d)
	require.NoError(t, err)

	assert.Equal(t, TimeoutTag, env.TypeTag())
	assert.Equal(t, idspkg.TimeoutID("tok"), env.MessageID())
	assert.Equal(t, d.ProcessID, env.CorrelationID())
	assert.Equal(t, d.ProcessID.String(), env.SessionKey())
	md := env.Metadata()
	assert.Equal(t, "order", md.Get(metadatapkg.KeyProcessType))
	assert.Equal(t, "payment_due", md.Get(metadatapkg.KeyTimeoutName))
	assert.Equal(t, "tok", md.Get(metadatapkg.KeyTimeoutToken))
}

func TestPollerSendsDueTimeouts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newInstance("order", 1, Timeout{FireAt: baseTime, Token: "a", Name: "payment_due"})
	shipment := newInstance("shipment", 1, Timeout{FireAt: baseTime, Token: "b", Name: "pickup"})
	orphan := newInstance("audit", 1, Timeout{FireAt: baseTime, Token: "c", Name: "close"})
	later := newInstance("order", 1, Timeout{FireAt: baseTime.Add(time.Hour), Token: "d", Name: "payment_due"})
	for _, inst := range []*Instance{order, shipment, orphan, later} {
		require.NoError(t, store.Save(ctx, inst, 0))
	}

	sender := &recordingSender{}
	now := baseTime.Add(time.Minute)
	p := newPoller(t, store, sender, PollerConfig{
		Topics:      map[string]string{"order": "orders", "shipment": "shipments"},
		ResendAfter: time.Minute,
	}, &now)

	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sends := sender.all()
	require.Len(t, sends, 2)
	assert.Equal(t, "orders", sends[0].topic)
	assert.Equal(t, idspkg.TimeoutID("a"), sends[0].env.MessageID())
	assert.Equal(t, "shipments", sends[1].topic)

	n, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "suppressed until ResendAfter elapses")

	now = now.Add(2 * time.Minute)
	n, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPollerDefaultTopicAndSendFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, newInstance("audit", 1, Timeout{FireAt: baseTime, Token: "a", Name: "close"}), 0))

	sender := &recordingSender{fail: 1}
	now := baseTime
	p := newPoller(t, store, sender, PollerConfig{DefaultTopic: "processes"}, &now)

	_, err := p.PollOnce(ctx)
	require.ErrorIs(t, err, errspkg.ErrSendFailure)

	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "processes", sender.all()[0].topic)
}

func TestPollerSkipsFailedSendAndFiresTheRest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newInstance("order", 1, Timeout{FireAt: baseTime.Add(-time.Minute), Token: "a", Name: "payment_due"})
	shipment := newInstance("shipment", 1, Timeout{FireAt: baseTime, Token: "b", Name: "pickup"})
	for _, inst := range []*Instance{order, shipment} {
		require.NoError(t, store.Save(ctx, inst, 0))
	}

	sender := &recordingSender{fail: 1}
	now := baseTime.Add(time.Minute)
	p := newPoller(t, store, sender, PollerConfig{
		Topics: map[string]string{"order": "orders", "shipment": "shipments"},
	}, &now)

	n, err := p.PollOnce(ctx)
	require.ErrorIs(t, err, errspkg.ErrSendFailure)
	assert.Equal(t, 1, n)
	sends := sender.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "shipments", sends[0].topic)

	n, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed timeout is retried")
	assert.Equal(t, "orders", sender.all()[1].topic)
}

// The router runs behind a dispatcher on a session subscription; timeouts
// travel the same path as ordinary messages.
func TestRouterBehindDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.New(memory.Config{}, nil)
	t.Cleanup(func() { _ = bus.Close() })
	orders := transport.Subscription{Topic: "orders", Name: "order-process", SessionEnabled: true, MaxDeliveryCount: 5}
	payments := transport.Subscription{Topic: "payments", Name: "audit"}
	require.NoError(t, bus.Subscribe(ctx, orders))
	require.NoError(t, bus.Subscribe(ctx, payments))

	store := NewMemoryStore()
	router, err := NewRouter(orderProcess(), store, bus, RouterConfig{EmitTopic: "payments"}, RouterDependencies{})
	require.NoError(t, err)
	registry := dispatch.NewRegistry()
	require.NoError(t, router.Register(registry, "order.placed", "payment.received"))

	cfg := dispatch.Config{Subscription: orders}
	cfg.Throttle.Max = 2
	d, err := dispatch.New(bus, registry, cfg, dispatch.Dependencies{})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	id := uuid.New()
	placed, err := envelopepkg.New("order.placed", []byte(`{"order_id":"o-7"}`),
		envelopepkg.WithCorrelationID(id), envelopepkg.WithSessionKey(id.String()))
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, "orders", placed))

	require.Eventually(t, func() bool {
		inst, err := store.Load(ctx, "order", id)
		return err == nil && len(inst.Outbox) == 0 && len(inst.PendingTimeouts) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bus.Pending(payments))

	now := time.Now().Add(2 * time.Hour)
	poller := newPoller(t, store, bus, PollerConfig{Topics: map[string]string{"order": "orders"}}, &now)
	n, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		inst, err := store.Load(ctx, "order", id)
		return err == nil && len(inst.Outbox) == 0 && bus.Pending(payments) == 2 && len(inst.Applied) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
