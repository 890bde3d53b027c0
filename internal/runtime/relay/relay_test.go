package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/eventstore"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/memory"
)

type sent struct {
	topic string
	env   *envelopepkg.Envelope
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail func(env *envelopepkg.Envelope) error
}

func (f *fakeSender) Send(_ context.Context, topic string, env *envelopepkg.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(env); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{topic: topic, env: env})
	return nil
}

func (f *fakeSender) versions(stream uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.env.Header(metadatapkg.KeyStreamID) == stream.String() {
			out = append(out, s.env.Header(metadatapkg.KeyStreamVersion))
		}
	}
	return out
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func appendEvents(t *testing.T, store eventstore.Store, stream uuid.UUID, expected int, types ...string) {
	t.Helper()
	events := make([]eventstore.EventData, len(types))
	for i, typ := range types {
		events[i] = eventstore.EventData{
			EventType: typ,
			Payload:   []byte(`{}`),
			Metadata:  metadatapkg.New("tenant", "acme"),
		}
	}
	_, err := store.Append(context.Background(), stream, "order", expected, events)
	require.NoError(t, err)
}

func newRelay(t *testing.T, store eventstore.Unpublished, sender transport.Sender, deps Dependencies) *Relay {
	t.Helper()
	r, err := New(store, sender, Config{
		BatchSize:      10,
		PollInterval:   5 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, deps)
	require.NoError(t, err)
	return r
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, &fakeSender{}, Config{}, Dependencies{})
	require.ErrorIs(t, err, errspkg.ErrStoreRequired)
	_, err = New(eventstore.NewMemoryStore(), nil, Config{}, Dependencies{})
	require.ErrorIs(t, err, errspkg.ErrBusRequired)
}

func TestRunOncePublishesAndMarks(t *testing.T) {
	store := eventstore.NewMemoryStore()
	sender := &fakeSender{}
	stream := uuid.New()
	appendEvents(t, store, stream, 0, "order.placed", "order.paid")

	res, err := newRelay(t, store, sender, Dependencies{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 2, Published: 2}, res)

	require.Equal(t, 2, sender.count())
	first := sender.sent[0]
	assert.Equal(t, DefaultTopic, first.topic)
	assert.Equal(t, "order.placed", first.env.TypeTag())
	assert.Equal(t, idspkg.EventID(stream, 1), first.env.MessageID())
	assert.Equal(t, stream, first.env.CorrelationID())
	assert.Equal(t, stream.String(), first.env.SessionKey())
	assert.Equal(t, "order", first.env.Header(metadatapkg.KeyStreamType))
	assert.Equal(t, "acme", first.env.Header("tenant"))
	assert.Equal(t, []string{"1", "2"}, sender.versions(stream))

	cursor, err := store.Cursor(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, 2, cursor.LastPublishedVersion)

	res, err = newRelay(t, store, sender, Dependencies{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestFailedStreamDoesNotAdvance(t *testing.T) {
	store := eventstore.NewMemoryStore()
	stuck, healthy := uuid.New(), uuid.New()
	appendEvents(t, store, stuck, 0, "a1")
	appendEvents(t, store, healthy, 0, "b1")
	appendEvents(t, store, stuck, 1, "a2")
	appendEvents(t, store, healthy, 1, "b2")

	failing := true
	sender := &fakeSender{fail: func(env *envelopepkg.Envelope) error {
		if failing && env.TypeTag() == "a1" {
			return errspkg.ErrTransientTransport
		}
		return nil
	}}
	r := newRelay(t, store, sender, Dependencies{})

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 4, Published: 2, Failed: 1, Skipped: 1}, res)
	assert.Empty(t, sender.versions(stuck))
	assert.Equal(t, []string{"1", "2"}, sender.versions(healthy))

	cursor, err := store.Cursor(context.Background(), stuck)
	require.NoError(t, err)
	assert.Equal(t, 0, cursor.LastPublishedVersion)

	failing = false
	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 2, Published: 2}, res)
	assert.Equal(t, []string{"1", "2"}, sender.versions(stuck))
}

func TestFailingStreamDoesNotStarveOthers(t *testing.T) {
	store := eventstore.NewMemoryStore()
	stuck, healthy := uuid.New(), uuid.New()
	backlog := make([]string, 10)
	for i := range backlog {
		backlog[i] = "a"
	}
	appendEvents(t, store, stuck, 0, backlog...)
	appendEvents(t, store, healthy, 0, "b1")

	sender := &fakeSender{fail: func(env *envelopepkg.Envelope) error {
		if env.Header(metadatapkg.KeyStreamID) == stuck.String() {
			return errspkg.ErrTransientTransport
		}
		return nil
	}}
	r := newRelay(t, store, sender, Dependencies{})

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 11, Published: 1, Failed: 1, Skipped: 9}, res)
	assert.Equal(t, []string{"1"}, sender.versions(healthy))
	assert.Empty(t, sender.versions(stuck))

	cursor, err := store.Cursor(context.Background(), stuck)
	require.NoError(t, err)
	assert.Equal(t, 0, cursor.LastPublishedVersion)
}

type flakyMarker struct {
	eventstore.Unpublished
	failures int
}

func (f *flakyMarker) MarkPublished(ctx context.Context, stream uuid.UUID, version int) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Unpublished.MarkPublished(ctx, stream, version)
}

func TestRepublishAfterMarkFailureKeepsMessageID(t *testing.T) {
	store := eventstore.NewMemoryStore()
	stream := uuid.New()
	appendEvents(t, store, stream, 0, "order.placed")

	sender := &fakeSender{}
	r := newRelay(t, &flakyMarker{Unpublished: store, failures: 1}, sender, Dependencies{})

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	require.Equal(t, 2, sender.count())
	assert.Equal(t, sender.sent[0].env.MessageID(), sender.sent[1].env.MessageID())
}

func TestTopicFunc(t *testing.T) {
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, uuid.New(), 0, "order.placed")
	sender := &fakeSender{}
	r := newRelay(t, store, sender, Dependencies{TopicFunc: func(ev eventstore.StoredEvent) string {
		return ev.StreamType + "-events"
	}})

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "order-events", sender.sent[0].topic)
}

func TestDrainPublishesEverything(t *testing.T) {
	store := eventstore.NewMemoryStore()
	for range 5 {
		stream := uuid.New()
		appendEvents(t, store, stream, 0, "e1", "e2", "e3", "e4", "e5")
	}
	sender := &fakeSender{}
	r, err := New(store, sender, Config{BatchSize: 7}, Dependencies{})
	require.NoError(t, err)

	require.NoError(t, r.Drain(context.Background()))
	assert.Equal(t, 25, sender.count())

	pending, err := store.ReadUnpublished(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainRetriesUntilContextEnds(t *testing.T) {
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, uuid.New(), 0, "e1")
	sender := &fakeSender{fail: func(*envelopepkg.Envelope) error { return errspkg.ErrTransientTransport }}
	r := newRelay(t, store, sender, Dependencies{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Drain(ctx), context.DeadlineExceeded)
}

func TestRunPublishesToBusUntilCancelled(t *testing.T) {
	store := eventstore.NewMemoryStore()
	bus := memory.New(memory.Config{}, nil)
	t.Cleanup(func() { _ = bus.Close() })
	sub := transport.Subscription{Topic: DefaultTopic, Name: "projector", SessionEnabled: true}
	require.NoError(t, bus.Subscribe(context.Background(), sub))

	r := newRelay(t, store, bus, Dependencies{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	stream := uuid.New()
	appendEvents(t, store, stream, 0, "order.placed")
	appendEvents(t, store, stream, 1, "order.paid")

	require.Eventually(t, func() bool { return bus.Pending(sub) == 2 }, 2*time.Second, 5*time.Millisecond)

	session, err := bus.AcceptSession(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, stream.String(), session.SessionKey())
	d, err := session.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "order.placed", d.Envelope.TypeTag())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
