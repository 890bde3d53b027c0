// Package ids generates identifiers for envelopes, stored events and timeouts.
package ids

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)

	eventNamespace   = uuid.MustParse("6f1c0f3e-3a52-4f0e-9a59-2a3c1b1d7e10")
	timeoutNamespace = uuid.MustParse("0b7e4c2a-91d4-4b8e-8d0f-5c6a2e9f3b41")
	emitNamespace    = uuid.MustParse("d3a8e5b1-7c46-4f29-b0e2-8a1f6c3d9e57")
)

// NewMessageID returns a time-ordered UUIDv7, falling back to a random UUID.
func NewMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// EventID derives the message id used when publishing a stored event. The same
// (stream, version) pair always yields the same id, so a republish after a crash
// carries the id of the first attempt.
func EventID(streamID uuid.UUID, version int) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(streamID.String()+"/"+strconv.Itoa(version)))
}

// TimeoutID derives the message id of a synthetic timeout message from its token.
func TimeoutID(token string) uuid.UUID {
	return uuid.NewSHA1(timeoutNamespace, []byte(token))
}

// EmittedID derives the id of the index-th message emitted by a process while
// handling the message cause.
func EmittedID(processType string, cause uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(emitNamespace, []byte(processType+"/"+cause.String()+"/"+strconv.Itoa(index)))
}

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
