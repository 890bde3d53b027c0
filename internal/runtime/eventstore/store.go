// Package eventstore persists per-stream event history with optimistic
// concurrency and tracks which events have reached the bus.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// EventData is a new event handed to Append.
type EventData struct {
	EventType  string
	Payload    []byte
	Metadata   metadatapkg.Metadata
	OccurredAt time.Time
}

// StoredEvent is an event as persisted. Versions within a stream are
// contiguous from 1. Sequence orders events across the whole store.
type StoredEvent struct {
	StreamID   uuid.UUID
	StreamType string
	Version    int
	EventType  string
	Payload    []byte
	Metadata   metadatapkg.Metadata
	OccurredAt time.Time
	Published  bool
	Sequence   int64
}

// Cursor tracks the highest version of a stream confirmed on the bus.
type Cursor struct {
	StreamID             uuid.UUID
	LastPublishedVersion int
}

// Unpublished is the slice of the store the relay depends on.
type Unpublished interface {
	// ReadUnpublished returns up to batchSize unpublished events oldest first,
	// leaving out the streams in skip.
	ReadUnpublished(ctx context.Context, batchSize int, skip ...uuid.UUID) ([]StoredEvent, error)
	MarkPublished(ctx context.Context, streamID uuid.UUID, version int) error
}

// Store is an append-only event store.
type Store interface {
	Unpublished

	// Append writes events after expectedVersion and returns the new head.
	// expectedVersion is 0 for a new stream.
	Append(ctx context.Context, streamID uuid.UUID, streamType string, expectedVersion int, events []EventData) (int, error)
	// Read returns events from fromVersion to the head, in order.
	Read(ctx context.Context, streamID uuid.UUID, fromVersion int) ([]StoredEvent, error)
	Cursor(ctx context.Context, streamID uuid.UUID) (Cursor, error)
	Head(ctx context.Context, streamID uuid.UUID) (int, error)
}

func validateAppend(streamID uuid.UUID, streamType string, expectedVersion int, events []EventData) error {
	if streamID == uuid.Nil {
		return fmt.Errorf("eventstore: stream id is required")
	}
	if streamType == "" {
		return fmt.Errorf("eventstore: stream type is required")
	}
	if expectedVersion < 0 {
		return fmt.Errorf("eventstore: expected version %d is negative", expectedVersion)
	}
	if len(events) == 0 {
		return errspkg.ErrEventsRequired
	}
	for i, ev := range events {
		if ev.EventType == "" {
			return fmt.Errorf("eventstore: event %d: %w", i, errspkg.ErrTypeTagRequired)
		}
	}
	return nil
}

func conflict(streamID uuid.UUID, expected, actual int) error {
	return errspkg.NewConcurrencyConflict("stream", streamID.String(), expected, actual)
}

func stamp(streamID uuid.UUID, streamType string, version int, ev EventData, now time.Time) StoredEvent {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	return StoredEvent{
		StreamID:   streamID,
		StreamType: streamType,
		Version:    version,
		EventType:  ev.EventType,
		Payload:    append([]byte(nil), ev.Payload...),
		Metadata:   ev.Metadata.Clone(),
		OccurredAt: occurred.UTC(),
	}
}
