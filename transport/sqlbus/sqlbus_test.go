package sqlbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
	"github.com/drblury/eventflow/transport"
)

var (
	plainSub   = transport.Subscription{Topic: "orders", Name: "billing", MaxDeliveryCount: 3}
	sessionSub = transport.Subscription{Topic: "orders", Name: "process", SessionEnabled: true, MaxDeliveryCount: 3}
)

func openBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(context.Background(), filepath.Join(t.TempDir(), "bus.db"), Config{Dialect: sqldb.SQLite, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func send(t *testing.T, b *Bus, session string) *envelopepkg.Envelope {
	t.Helper()
	env, err := envelopepkg.New("order.placed", []byte(`{"id":1}`),
		envelopepkg.WithSessionKey(session),
		envelopepkg.WithMetadata(metadatapkg.New("tenant", "eu")))
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "orders", env))
	return env
}

func receive(t *testing.T, r transport.Receiver) *transport.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := r.Receive(ctx)
	require.NoError(t, err)
	return d
}

func pending(t *testing.T, b *Bus, sub transport.Subscription) int {
	t.Helper()
	n, err := b.Pending(context.Background(), sub)
	require.NoError(t, err)
	return n
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(db, Config{Schema: "x; DROP TABLE y"}, nil)
	assert.Error(t, err)
}

func TestSendReceiveComplete(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, plainSub))
	r, err := b.Receiver(ctx, plainSub)
	require.NoError(t, err)

	sent := send(t, b, "")
	d := receive(t, r)
	assert.Equal(t, sent.MessageID(), d.Envelope.MessageID())
	assert.Equal(t, sent.CorrelationID(), d.Envelope.CorrelationID())
	assert.True(t, sent.SentAt().Equal(d.Envelope.SentAt()))
	assert.Equal(t, "eu", d.Envelope.Header("tenant"))
	assert.Equal(t, []byte(`{"id":1}`), d.Envelope.Body())
	assert.Equal(t, 1, d.DeliveryCount)
	assert.Equal(t, "orders", d.Topic)
	assert.Equal(t, "billing", d.Subscription)
	assert.True(t, d.LockedUntil.After(time.Now()))

	require.NoError(t, r.Complete(ctx, d))
	assert.Zero(t, pending(t, b, plainSub))
	assert.ErrorIs(t, r.Complete(ctx, d), errspkg.ErrLockLost)
	assert.Equal(t, transport.SQLiteCapabilities, b.Capabilities())
}

func TestSendFansOutToEverySubscription(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	shipping := transport.Subscription{Topic: "orders", Name: "shipping"}
	require.NoError(t, b.Subscribe(ctx, plainSub))
	require.NoError(t, b.Subscribe(ctx, shipping))

	send(t, b, "")
	send(t, b, "")
	assert.Equal(t, 2, pending(t, b, plainSub))
	assert.Equal(t, 2, pending(t, b, shipping))

	env, err := envelopepkg.New("invoice.sent", nil)
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, "invoices", env), "a topic without subscriptions drops the message")
}

func TestAbandonCountsDeliveriesAndDeadLetters(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, plainSub))
	r, err := b.Receiver(ctx, plainSub)
	require.NoError(t, err)

	sent := send(t, b, "")
	for attempt := 1; attempt <= 3; attempt++ {
		d := receive(t, r)
		assert.Equal(t, attempt, d.DeliveryCount)
		require.NoError(t, r.Abandon(ctx, d))
	}

	assert.Zero(t, pending(t, b, plainSub))
	dead, err := b.DeadLetters(ctx, plainSub)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, sent.MessageID(), dead[0].Envelope.MessageID())
	assert.Equal(t, reasonMaxDelivery, dead[0].Reason)
	assert.Equal(t, 3, dead[0].DeliveryCount)
	assert.Equal(t, "billing", dead[0].Subscription)
}

func TestDeadLetterWithReasonAndReplay(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, plainSub))
	r, err := b.Receiver(ctx, plainSub)
	require.NoError(t, err)

	send(t, b, "")
	d := receive(t, r)
	require.NoError(t, r.DeadLetter(ctx, d, "poison: bad payload"))
	assert.ErrorIs(t, r.DeadLetter(ctx, d, "again"), errspkg.ErrLockLost)

	dead, err := b.DeadLetters(ctx, plainSub)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison: bad payload", dead[0].Reason)
	assert.Equal(t, 1, dead[0].DeliveryCount)

	n, err := b.ReplayDeadLetters(ctx, plainSub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	replayed := receive(t, r)
	assert.Equal(t, d.Envelope.MessageID(), replayed.Envelope.MessageID())
	assert.Equal(t, 1, replayed.DeliveryCount)

	require.NoError(t, r.DeadLetter(ctx, replayed, "still bad"))
	n, err = b.PurgeDeadLetters(ctx, plainSub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	dead, err = b.DeadLetters(ctx, plainSub)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestExpiredLockIsRedelivered(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }

	sub := plainSub
	sub.LockDuration = time.Minute
	require.NoError(t, b.Subscribe(ctx, sub))
	r, err := b.Receiver(ctx, sub)
	require.NoError(t, err)

	send(t, b, "")
	first := receive(t, r)

	now = now.Add(30 * time.Second)
	require.NoError(t, r.(transport.Renewer).Renew(ctx, first))
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), first.LockedUntil.UnixMilli())

	now = now.Add(2 * time.Minute)
	second := receive(t, r)
	assert.Equal(t, 2, second.DeliveryCount)
	assert.ErrorIs(t, r.Complete(ctx, first), errspkg.ErrLockLost)
	assert.ErrorIs(t, r.(transport.Renewer).Renew(ctx, first), errspkg.ErrLockLost)
	require.NoError(t, r.Complete(ctx, second))
}

func TestSessionsAreExclusive(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, sessionSub))

	_, err := b.Receiver(ctx, sessionSub)
	assert.Error(t, err)
	_, err = b.AcceptSession(ctx, plainSub)
	assert.ErrorIs(t, err, errspkg.ErrSessionsNotEnabled)

	send(t, b, "a")
	send(t, b, "a")
	first, err := b.AcceptSession(ctx, sessionSub)
	require.NoError(t, err)
	assert.Equal(t, "a", first.SessionKey())

	n, err := b.ActiveSessions(ctx, sessionSub)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.AcceptSession(short, sessionSub)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "session a is locked")

	d := receive(t, first)
	assert.Equal(t, "a", d.Envelope.SessionKey())

	inFlight, cancelInFlight := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelInFlight()
	_, err = first.Receive(inFlight)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the second message waits for the first")
	require.NoError(t, first.Complete(ctx, d))
	require.NoError(t, first.Complete(ctx, receive(t, first)))

	send(t, b, "b")
	second, err := b.AcceptSession(ctx, sessionSub)
	require.NoError(t, err)
	assert.Equal(t, "b", second.SessionKey())

	idle, cancelIdle := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelIdle()
	_, err = first.Receive(idle)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "messages of b never reach session a")

	require.NoError(t, first.Release(ctx))
	_, err = first.Receive(ctx)
	assert.ErrorIs(t, err, errspkg.ErrClosed)

	require.NoError(t, second.Complete(ctx, receive(t, second)))
	require.NoError(t, second.Release(ctx))
}

func TestExpiredSessionLockIsTakenOver(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }

	sub := sessionSub
	sub.LockDuration = time.Minute
	require.NoError(t, b.Subscribe(ctx, sub))
	send(t, b, "a")

	stale, err := b.AcceptSession(ctx, sub)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := b.AcceptSession(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "a", fresh.SessionKey())

	_, err = stale.Receive(ctx)
	assert.ErrorIs(t, err, errspkg.ErrLockLost)
	require.NoError(t, stale.Release(ctx), "releasing a lost session leaves the new lock alone")

	d := receive(t, fresh)
	require.NoError(t, fresh.Complete(ctx, d))
}

func TestSessionSubscriptionRejectsMessagesWithoutKey(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, sessionSub))

	send(t, b, "")
	assert.Zero(t, pending(t, b, sessionSub))
	dead, err := b.DeadLetters(ctx, sessionSub)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, reasonSessionMissing, dead[0].Reason)
	assert.Zero(t, dead[0].DeliveryCount)
}

func TestBusesSharingADatabase(t *testing.T) {
	producer := openBus(t)
	consumer, err := New(producer.DB(), Config{Dialect: sqldb.SQLite, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, consumer.Subscribe(ctx, plainSub))
	r, err := consumer.Receiver(ctx, plainSub)
	require.NoError(t, err)

	got := make(chan *transport.Delivery, 1)
	go func() {
		d, err := r.Receive(ctx)
		if err == nil {
			got <- d
		}
	}()

	sent := send(t, producer, "")
	select {
	case d := <-got:
		assert.Equal(t, sent.MessageID(), d.Envelope.MessageID())
		require.NoError(t, r.Complete(ctx, d))
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not see the message")
	}
	require.NoError(t, consumer.Close())
}

func TestCloseStopsReceivers(t *testing.T) {
	b := openBus(t)
	ctx := context.Background()
	r, err := b.Receiver(ctx, plainSub)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Receive(ctx)
		done <- err
	}()

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
	}

	env, err := envelopepkg.New("order.placed", nil)
	require.NoError(t, err)
	err = b.Send(ctx, "orders", env)
	assert.ErrorIs(t, err, errspkg.ErrSendFailure)
	assert.ErrorIs(t, err, errspkg.ErrClosed)
	assert.ErrorIs(t, b.Subscribe(ctx, plainSub), errspkg.ErrClosed)
}

func newMockBus(t *testing.T) (*Bus, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b, err := New(db, Config{Dialect: sqldb.Postgres}, nil)
	require.NoError(t, err)
	return b, mock
}

func TestPostgresSend(t *testing.T) {
	b, mock := newMockBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT name, session_enabled FROM eventflow\.bus_subscriptions WHERE topic = \$1`).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"name", "session_enabled"}).AddRow("billing", false).AddRow("process", true))
	mock.ExpectExec(`INSERT INTO eventflow\.bus_messages`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO eventflow\.bus_dead_letters`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	env, err := envelopepkg.New("order.placed", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "orders", env))
	assert.Equal(t, transport.PostgresCapabilities, b.Capabilities())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReceiveSkipsLockedRows(t *testing.T) {
	b, mock := newMockBus(t)
	env, err := envelopepkg.New("order.placed", []byte(`{}`))
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO eventflow\.bus_subscriptions .* ON CONFLICT \(topic, name\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM eventflow\.bus_messages WHERE topic = \$1 AND name = \$2 AND locked_until <= \$3 ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "delivery_count", "locked_until", "message_id", "correlation_id", "session_key", "type_tag", "sent_at", "metadata", "body",
		}).AddRow(int64(7), 0, int64(0), env.MessageID().String(), env.CorrelationID().String(), "", "order.placed",
			env.SentAt().UnixNano(), []byte(`{}`), []byte(`{}`)))
	mock.ExpectExec(`UPDATE eventflow\.bus_messages SET delivery_count = delivery_count \+ 1, lock_token = \$1, locked_until = \$2 WHERE id = \$3`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	r, err := b.Receiver(ctx, plainSub)
	require.NoError(t, err)
	d, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID(), d.Envelope.MessageID())
	assert.Equal(t, 1, d.DeliveryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionLockRaceLost(t *testing.T) {
	b, mock := newMockBus(t)

	mock.ExpectQuery(`SELECT m\.session_key FROM eventflow\.bus_messages m`).
		WillReturnRows(sqlmock.NewRows([]string{"session_key"}).AddRow("a"))
	mock.ExpectExec(`INSERT INTO eventflow\.bus_sessions AS s .* WHERE s\.locked_until <= \$6`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, _, ok, err := b.lockFreeSession(context.Background(), sessionSub.WithDefaults(3, time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
