package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
)

var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(*testing.T) Store { return NewMemoryStore() },
	"sqlite": func(t *testing.T) Store {
		store, err := OpenSQLStore(context.Background(), ":memory:", SQLConfig{Dialect: sqldb.SQLite})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func events(types ...string) []EventData {
	out := make([]EventData, 0, len(types))
	for _, typ := range types {
		out = append(out, EventData{EventType: typ, Payload: []byte(`{"t":"` + typ + `"}`)})
	}
	return out
}

func TestAppendAndRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()

		head, err := store.Append(ctx, stream, "Order", 0, events("OrderPlaced", "ItemAdded"))
		require.NoError(t, err)
		assert.Equal(t, 2, head)

		head, err = store.Append(ctx, stream, "Order", 2, events("OrderShipped"))
		require.NoError(t, err)
		assert.Equal(t, 3, head)

		all, err := store.Read(ctx, stream, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, ev := range all {
			assert.Equal(t, i+1, ev.Version)
			assert.Equal(t, stream, ev.StreamID)
			assert.Equal(t, "Order", ev.StreamType)
			assert.False(t, ev.Published)
		}
		assert.Equal(t, "OrderShipped", all[2].EventType)
		assert.Equal(t, `{"t":"OrderShipped"}`, string(all[2].Payload))

		tail, err := store.Read(ctx, stream, 3)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, 3, tail[0].Version)

		beyond, err := store.Read(ctx, stream, 4)
		require.NoError(t, err)
		assert.Empty(t, beyond)

		gotHead, err := store.Head(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, 3, gotHead)
	})
}

func TestAppendConflictLeavesStreamUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()

		_, err := store.Append(ctx, stream, "Order", 0, events("OrderPlaced", "ItemAdded"))
		require.NoError(t, err)

		_, err = store.Append(ctx, stream, "Order", 1, events("ItemRemoved"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errspkg.ErrConcurrencyConflict))

		var conflictErr *errspkg.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t, 1, conflictErr.Expected)
		assert.Equal(t, 2, conflictErr.Actual)

		_, err = store.Append(ctx, stream, "Order", 0, events("OrderPlaced"))
		assert.ErrorIs(t, err, errspkg.ErrConcurrencyConflict)

		all, err := store.Read(ctx, stream, 1)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestAppendValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()

		_, err := store.Append(ctx, stream, "Order", 0, nil)
		assert.ErrorIs(t, err, errspkg.ErrEventsRequired)

		_, err = store.Append(ctx, uuid.Nil, "Order", 0, events("OrderPlaced"))
		assert.Error(t, err)

		_, err = store.Append(ctx, stream, "Order", 0, []EventData{{}})
		assert.ErrorIs(t, err, errspkg.ErrTypeTagRequired)

		_, err = store.Append(ctx, stream, "Order", 0, events("OrderPlaced"))
		require.NoError(t, err)
		_, err = store.Append(ctx, stream, "Invoice", 1, events("InvoiceIssued"))
		assert.ErrorIs(t, err, errspkg.ErrStreamTypeMismatch)
	})
}

func TestConcurrentAppendSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()
		_, err := store.Append(ctx, stream, "Order", 0, events("OrderPlaced"))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, stream, "Order", 1, events("ItemAdded"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, errspkg.ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)

		head, err := store.Head(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, 2, head)
	})
}

func TestReadUnpublishedOldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a, b := uuid.New(), uuid.New()

		_, err := store.Append(ctx, a, "Order", 0, events("A1"))
		require.NoError(t, err)
		_, err = store.Append(ctx, b, "Order", 0, events("B1", "B2"))
		require.NoError(t, err)
		_, err = store.Append(ctx, a, "Order", 1, events("A2"))
		require.NoError(t, err)

		pending, err := store.ReadUnpublished(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 4)
		var tags []string
		for i, ev := range pending {
			tags = append(tags, ev.EventType)
			if i > 0 {
				assert.Greater(t, ev.Sequence, pending[i-1].Sequence)
			}
		}
		assert.Equal(t, []string{"A1", "B1", "B2", "A2"}, tags)

		bounded, err := store.ReadUnpublished(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, bounded, 2)

		withoutA, err := store.ReadUnpublished(ctx, 10, a)
		require.NoError(t, err)
		require.Len(t, withoutA, 2)
		assert.Equal(t, b, withoutA[0].StreamID)
		assert.Equal(t, b, withoutA[1].StreamID)

		none, err := store.ReadUnpublished(ctx, 10, a, b)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMarkPublishedAdvancesCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()
		_, err := store.Append(ctx, stream, "Order", 0, events("E1", "E2", "E3"))
		require.NoError(t, err)

		cursor, err := store.Cursor(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, 0, cursor.LastPublishedVersion)

		require.NoError(t, store.MarkPublished(ctx, stream, 1))
		require.NoError(t, store.MarkPublished(ctx, stream, 2))
		require.NoError(t, store.MarkPublished(ctx, stream, 2))
		require.NoError(t, store.MarkPublished(ctx, stream, 1))

		cursor, err = store.Cursor(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, stream, cursor.StreamID)
		assert.Equal(t, 2, cursor.LastPublishedVersion)

		pending, err := store.ReadUnpublished(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 3, pending[0].Version)

		all, err := store.Read(ctx, stream, 1)
		require.NoError(t, err)
		assert.True(t, all[0].Published)
		assert.False(t, all[2].Published)

		assert.ErrorIs(t, store.MarkPublished(ctx, stream, 9), errspkg.ErrEventNotFound)
		assert.ErrorIs(t, store.MarkPublished(ctx, uuid.New(), 1), errspkg.ErrEventNotFound)
	})
}

func TestMetadataAndTimestampsRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()
		occurred := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		_, err := store.Append(ctx, stream, "Order", 0, []EventData{{
			EventType:  "OrderPlaced",
			Payload:    []byte("{}"),
			Metadata:   metadatapkg.Metadata{"tenant": "acme"},
			OccurredAt: occurred,
		}})
		require.NoError(t, err)

		got, err := store.Read(ctx, stream, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "acme", got[0].Metadata.Get("tenant"))
		assert.True(t, occurred.Equal(got[0].OccurredAt))
	})
}

func TestUnknownStreamDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		stream := uuid.New()

		head, err := store.Head(ctx, stream)
		require.NoError(t, err)
		assert.Zero(t, head)

		cursor, err := store.Cursor(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, Cursor{StreamID: stream}, cursor)

		evs, err := store.Read(ctx, stream, 1)
		require.NoError(t, err)
		assert.Empty(t, evs)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	stream := uuid.New()
	_, err := store.Append(ctx, stream, "Order", 0, []EventData{{EventType: "E", Payload: []byte("abc")}})
	require.NoError(t, err)

	first, err := store.Read(ctx, stream, 1)
	require.NoError(t, err)
	first[0].Payload[0] = 'z'

	second, err := store.Read(ctx, stream, 1)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(second[0].Payload))
}
