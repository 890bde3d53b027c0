package eventstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

type memoryStream struct {
	streamType    string
	events        []StoredEvent
	lastPublished int
	// pendingFrom indexes the first unpublished event.
	pendingFrom int
}

// MemoryStore keeps streams in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	streams  map[uuid.UUID]*memoryStream
	sequence int64
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[uuid.UUID]*memoryStream),
		now:     time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, streamID uuid.UUID, streamType string, expectedVersion int, events []EventData) (int, error) {
	if err := validateAppend(streamID, streamType, expectedVersion, events); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[streamID]
	head := 0
	if ok {
		head = len(stream.events)
		if stream.streamType != streamType {
			return head, errspkg.ErrStreamTypeMismatch
		}
	}
	if head != expectedVersion {
		return head, conflict(streamID, expectedVersion, head)
	}
	if !ok {
		stream = &memoryStream{streamType: streamType}
		s.streams[streamID] = stream
	}

	now := s.now()
	for i, ev := range events {
		s.sequence++
		stored := stamp(streamID, streamType, head+i+1, ev, now)
		stored.Sequence = s.sequence
		stream.events = append(stream.events, stored)
	}
	return len(stream.events), nil
}

func (s *MemoryStore) Read(ctx context.Context, streamID uuid.UUID, fromVersion int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[streamID]
	if !ok || fromVersion > len(stream.events) {
		return nil, nil
	}
	out := make([]StoredEvent, 0, len(stream.events)-fromVersion+1)
	for _, ev := range stream.events[fromVersion-1:] {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (s *MemoryStore) ReadUnpublished(ctx context.Context, batchSize int, skip ...uuid.UUID) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []StoredEvent
	for id, stream := range s.streams {
		if slices.Contains(skip, id) {
			continue
		}
		for _, ev := range stream.events[stream.pendingFrom:] {
			if !ev.Published {
				pending = append(pending, ev)
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	for i := range pending {
		pending[i] = copyEvent(pending[i])
	}
	return pending, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, streamID uuid.UUID, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[streamID]
	if !ok || version < 1 || version > len(stream.events) {
		return errspkg.ErrEventNotFound
	}
	stream.events[version-1].Published = true
	if version > stream.lastPublished {
		stream.lastPublished = version
	}
	for stream.pendingFrom < len(stream.events) && stream.events[stream.pendingFrom].Published {
		stream.pendingFrom++
	}
	return nil
}

func (s *MemoryStore) Cursor(ctx context.Context, streamID uuid.UUID) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return Cursor{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor := Cursor{StreamID: streamID}
	if stream, ok := s.streams[streamID]; ok {
		cursor.LastPublishedVersion = stream.lastPublished
	}
	return cursor, nil
}

func (s *MemoryStore) Head(ctx context.Context, streamID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if stream, ok := s.streams[streamID]; ok {
		return len(stream.events), nil
	}
	return 0, nil
}

func copyEvent(ev StoredEvent) StoredEvent {
	ev.Payload = append([]byte(nil), ev.Payload...)
	ev.Metadata = ev.Metadata.Clone()
	return ev
}
