package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	"github.com/drblury/eventflow/internal/runtime/dispatch"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	"github.com/drblury/eventflow/internal/runtime/eventstore"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/saga"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/memory"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func mustEnvelope(t *testing.T, tag string) *envelopepkg.Envelope {
	t.Helper()
	env, err := envelopepkg.New(tag, nil)
	require.NoError(t, err)
	return env
}

func fastConfig() *configpkg.Config {
	return &configpkg.Config{
		RelayPollInterval:       10 * time.Millisecond,
		SagaTimeoutPollInterval: 10 * time.Millisecond,
		SessionIdleTimeout:      50 * time.Millisecond,
		ThrottleMaxConcurrency:  2,
	}
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	s, err := NewService(context.Background(), conf, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// startService runs s until the test ends and returns a channel with the Start result.
func startService(t *testing.T, s *Service) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("service did not stop")
		}
	})
	return done
}

func TestNewServiceDefaults(t *testing.T) {
	s := newTestService(t, &configpkg.Config{}, ServiceDependencies{})

	assert.Equal(t, configpkg.TransportMemory, s.Conf.Transport)
	assert.IsType(t, &memory.Bus{}, s.Bus())
	assert.IsType(t, &eventstore.MemoryStore{}, s.EventStore())
	assert.IsType(t, &saga.MemoryStore{}, s.SagaStore())
	assert.NotNil(t, s.Serializer())
	assert.NotNil(t, s.Metrics())
	assert.NotNil(t, s.Relay())
	assert.Empty(t, s.Dispatchers())
}

func TestNewServiceDoesNotMutateConfig(t *testing.T) {
	conf := &configpkg.Config{}
	newTestService(t, conf, ServiceDependencies{})
	assert.Empty(t, conf.Transport)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	_, err := NewService(context.Background(), nil, newTestLogger(), ServiceDependencies{})
	require.Error(t, err)

	_, err = NewService(context.Background(), &configpkg.Config{Transport: configpkg.TransportKafka}, newTestLogger(), ServiceDependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: brokers are required")

	_, err = NewService(context.Background(), &configpkg.Config{EventStore: "cassandra"}, newTestLogger(), ServiceDependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported backend")
}

func TestNewServiceWrapsTransportErrors(t *testing.T) {
	orig := buildBus
	t.Cleanup(func() { buildBus = orig })
	boom := errors.New("broker down")
	buildBus = func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Bus, error) {
		return nil, boom
	}

	_, err := NewService(context.Background(), &configpkg.Config{}, newTestLogger(), ServiceDependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `failed to build transport "memory"`)
}

func TestNewServiceUsesProvidedDependencies(t *testing.T) {
	bus := memory.New(memory.Config{}, nil)
	t.Cleanup(func() { _ = bus.Close() })
	events := eventstore.NewMemoryStore()
	sagas := saga.NewMemoryStore()

	s := newTestService(t, &configpkg.Config{}, ServiceDependencies{Bus: bus, EventStore: events, SagaStore: sagas})
	assert.Same(t, bus, s.Bus())
	assert.Same(t, events, s.EventStore())
	assert.Same(t, sagas, s.SagaStore())

	require.NoError(t, s.Close())
	require.NoError(t, bus.Send(context.Background(), "still-open", mustEnvelope(t, "ping")))
}

func TestNewServiceOpensSQLiteStores(t *testing.T) {
	conf := &configpkg.Config{
		EventStore: configpkg.StoreSQLite,
		SagaStore:  configpkg.StoreSQLite,
		SQLiteFile: filepath.Join(t.TempDir(), "service.db"),
	}
	s := newTestService(t, conf, ServiceDependencies{})

	assert.IsType(t, &eventstore.SQLStore{}, s.EventStore())
	assert.IsType(t, &saga.SQLStore{}, s.SagaStore())

	head, err := s.EventStore().Append(context.Background(), uuid.New(), "order", 0, []eventstore.EventData{{EventType: "OrderPlaced"}})
	require.NoError(t, err)
	assert.Equal(t, 1, head)
}

func TestNewServiceOpensRedisSagaStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestService(t, &configpkg.Config{SagaStore: configpkg.StoreRedis, RedisAddr: mr.Addr()}, ServiceDependencies{})
	assert.IsType(t, &saga.RedisStore{}, s.SagaStore())
}

func TestNewServiceFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewService(context.Background(), &configpkg.Config{SagaStore: configpkg.StoreRedis, RedisAddr: addr}, newTestLogger(), ServiceDependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestNewServiceRegistersMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestService(t, &configpkg.Config{MetricsEnabled: true, MetricsPort: 9464}, ServiceDependencies{MetricsRegisterer: reg})

	s.httpServersMu.Lock()
	_, ok := s.httpServers[9464]
	s.httpServersMu.Unlock()
	assert.True(t, ok)

	s.Metrics().RecordPublished("events")
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestServiceRelaysStoredEventsToDispatchers(t *testing.T) {
	s := newTestService(t, fastConfig(), ServiceDependencies{})
	sub := transport.Subscription{Topic: "events", Name: "projector"}
	require.NoError(t, s.Bus().Subscribe(context.Background(), sub))

	received := make(chan *dispatch.Message, 1)
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterEvent("OrderPlaced", dispatch.HandlerFunc(func(_ context.Context, msg *dispatch.Message) error {
		received <- msg
		return nil
	})))
	_, err := s.AddDispatcher(sub, registry)
	require.NoError(t, err)
	require.Len(t, s.Dispatchers(), 1)

	streamID := uuid.New()
	_, err = s.EventStore().Append(context.Background(), streamID, "order", 0, []eventstore.EventData{
		{EventType: "OrderPlaced", Payload: []byte(`{"id":1}`)},
	})
	require.NoError(t, err)

	startService(t, s)

	select {
	case msg := <-received:
		assert.Equal(t, "OrderPlaced", msg.TypeTag())
		assert.Equal(t, streamID, msg.CorrelationID())
	case <-time.After(5 * time.Second):
		t.Fatal("event was not dispatched")
	}

	require.Eventually(t, func() bool {
		cursor, err := s.EventStore().Cursor(context.Background(), streamID)
		return err == nil && cursor.LastPublishedVersion == 1
	}, 5*time.Second, 10*time.Millisecond)
}

type shipment struct {
	Placed bool
}

func TestServiceRunsProcesses(t *testing.T) {
	s := newTestService(t, fastConfig(), ServiceDependencies{})

	commands := transport.Subscription{Topic: "commands", Name: "shipping"}
	require.NoError(t, s.Bus().Subscribe(context.Background(), commands))
	events := transport.Subscription{Topic: "events", Name: "fulfilment"}
	require.NoError(t, s.Bus().Subscribe(context.Background(), events))

	process := saga.Definition[shipment]{
		Name:      "fulfilment",
		StartedBy: []string{"OrderPlaced"},
		On: func(_ context.Context, state shipment, in saga.Inbound) (saga.Outcome, error) {
			state.Placed = true
			return saga.Outcome{
				State: state,
				Emit:  []saga.Outbound{{Topic: "commands", TypeTag: "ShipOrder", Payload: map[string]string{"carrier": "post"}}},
			}, nil
		},
	}
	_, err := s.AddProcess(process, events, "OrderPlaced")
	require.NoError(t, err)

	shipped := make(chan *dispatch.Message, 1)
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterCommand("ShipOrder", dispatch.HandlerFunc(func(_ context.Context, msg *dispatch.Message) error {
		shipped <- msg
		return nil
	})))
	_, err = s.AddDispatcher(commands, registry)
	require.NoError(t, err)

	orderID := uuid.New()
	_, err = s.EventStore().Append(context.Background(), orderID, "order", 0, []eventstore.EventData{{EventType: "OrderPlaced"}})
	require.NoError(t, err)

	startService(t, s)

	select {
	case msg := <-shipped:
		assert.Equal(t, orderID, msg.CorrelationID())
	case <-time.After(5 * time.Second):
		t.Fatal("process did not emit its command")
	}

	require.Eventually(t, func() bool {
		inst, err := s.SagaStore().Load(context.Background(), "fulfilment", orderID)
		return err == nil && inst.Version > 0 && len(inst.Outbox) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceRejectsChangesAfterStart(t *testing.T) {
	s := newTestService(t, fastConfig(), ServiceDependencies{})
	startService(t, s)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.started
	}, time.Second, 5*time.Millisecond)

	_, err := s.AddDispatcher(transport.Subscription{Topic: "events", Name: "late"}, dispatch.NewRegistry())
	require.Error(t, err)
	require.Error(t, s.Start(context.Background()))
}

func TestServiceStartReturnsOnCancel(t *testing.T) {
	s := newTestService(t, fastConfig(), ServiceDependencies{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestServiceStartFailsBeforeLaunchingLoops(t *testing.T) {
	original := newTimeoutPoller
	t.Cleanup(func() { newTimeoutPoller = original })
	newTimeoutPoller = func(saga.Store, transport.Sender, saga.PollerConfig, loggingpkg.ServiceLogger) (*saga.TimeoutPoller, error) {
		return nil, errors.New("poller unavailable")
	}

	s := newTestService(t, fastConfig(), ServiceDependencies{})
	events := transport.Subscription{Topic: "events", Name: "fulfilment"}
	require.NoError(t, s.Bus().Subscribe(context.Background(), events))
	_, err := s.AddProcess(saga.Definition[shipment]{Name: "fulfilment", StartedBy: []string{"OrderPlaced"}}, events, "OrderPlaced")
	require.NoError(t, err)

	_, err = s.EventStore().Append(context.Background(), uuid.New(), "order", 0, []eventstore.EventData{{EventType: "OrderPlaced"}})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.ErrorContains(t, err, "poller unavailable")

	time.Sleep(50 * time.Millisecond)
	pending, err := s.EventStore().ReadUnpublished(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "relay never ran")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.started)
}
