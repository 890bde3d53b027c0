// Package saga routes correlated messages to long-running process instances.
// A process is a pure transition function over its persisted state; the router
// loads the instance, applies the message, persists the result with optimistic
// concurrency and only then sends what the transition emitted.
package saga

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// TimeoutTag is the type tag of fired timeout messages.
const TimeoutTag = "saga.timeout"

// DefaultAppliedLimit bounds the ring of applied message ids per instance.
const DefaultAppliedLimit = 128

// Inbound is the message handed to a transition.
type Inbound struct {
	MessageID     uuid.UUID
	CorrelationID uuid.UUID
	TypeTag       string
	// Payload is the decoded body when the dispatcher has a serializer for the tag.
	Payload  any
	Body     []byte
	Metadata metadatapkg.Metadata
	// Timeout is set when TypeTag is TimeoutTag.
	Timeout *Timeout
}

// IsTimeout reports whether in is the timeout called name.
func (in Inbound) IsTimeout(name string) bool {
	return in.Timeout != nil && in.Timeout.Name == name
}

// Outbound is a message emitted by a transition. When Body is nil, Payload is
// encoded through the router serializer, or as JSON without one.
type Outbound struct {
	// Topic defaults to the router's emit topic.
	Topic      string
	TypeTag    string
	Payload    any
	Body       []byte
	SessionKey string
	Metadata   metadatapkg.Metadata
}

// TimeoutRequest schedules a timeout After the transition, or At a fixed time.
type TimeoutRequest struct {
	Name  string
	After time.Duration
	At    time.Time
}

// Outcome is the result of one transition.
type Outcome struct {
	// State replaces the instance state. Nil keeps the state value passed in.
	State    any
	Emit     []Outbound
	Schedule []TimeoutRequest
	// Cancel drops every pending timeout with one of these names.
	Cancel []string
	// Complete ends the process. Later messages are ignored.
	Complete bool
}

// Process defines a process type.
type Process interface {
	Type() string
	// Starts reports whether a message with tag creates a new instance.
	Starts(tag string) bool
	// New returns a pointer to a fresh state value.
	New() any
	// Transition applies in to state, which is the pointer returned by New
	// filled with the persisted state.
	Transition(ctx context.Context, state any, in Inbound) (Outcome, error)
}

// Definition implements Process for a state type S.
type Definition[S any] struct {
	Name      string
	StartedBy []string
	// On receives a copy of the current state. Returning Outcome.State nil keeps it.
	On func(ctx context.Context, state S, in Inbound) (Outcome, error)
}

func (d Definition[S]) Type() string { return d.Name }

func (d Definition[S]) Starts(tag string) bool { return slices.Contains(d.StartedBy, tag) }

func (d Definition[S]) New() any { return new(S) }

func (d Definition[S]) Transition(ctx context.Context, state any, in Inbound) (Outcome, error) {
	s, ok := state.(*S)
	if !ok {
		return Outcome{}, fmt.Errorf("saga: %s state is %T, want *%T", d.Name, state, *new(S))
	}
	if d.On == nil {
		return Outcome{}, nil
	}
	return d.On(ctx, *s, in)
}

// Timeout is a pending timeout of an instance.
type Timeout struct {
	FireAt time.Time `json:"fire_at"`
	Token  string    `json:"token"`
	Name   string    `json:"name"`
}

// DueTimeout is a pending timeout together with its instance.
type DueTimeout struct {
	ProcessType string
	ProcessID   uuid.UUID
	Timeout
}

// OutboxMessage is an emitted message persisted with the transition that
// produced it, until it has been sent.
type OutboxMessage struct {
	Topic         string               `json:"topic"`
	MessageID     uuid.UUID            `json:"message_id"`
	CorrelationID uuid.UUID            `json:"correlation_id"`
	TypeTag       string               `json:"type_tag"`
	SessionKey    string               `json:"session_key,omitempty"`
	Body          []byte               `json:"body,omitempty"`
	Metadata      metadatapkg.Metadata `json:"metadata,omitempty"`
}

// Envelope rebuilds the envelope to send.
func (m OutboxMessage) Envelope() (*envelopepkg.Envelope, error) {
	return envelopepkg.New(m.TypeTag, m.Body,
		envelopepkg.WithMessageID(m.MessageID),
		envelopepkg.WithCorrelationID(m.CorrelationID),
		envelopepkg.WithSessionKey(m.SessionKey),
		envelopepkg.WithMetadata(m.Metadata),
	)
}

// Instance is the persisted state of one process.
type Instance struct {
	ProcessType string    `json:"process_type"`
	ProcessID   uuid.UUID `json:"process_id"`
	// Version is 0 before the first save.
	Version   int    `json:"version"`
	State     []byte `json:"state,omitempty"`
	Completed bool   `json:"completed"`
	// PendingTimeouts is sorted by FireAt.
	PendingTimeouts []Timeout `json:"pending_timeouts,omitempty"`
	// Applied is a bounded ring of message ids already transitioned.
	Applied   []uuid.UUID     `json:"applied,omitempty"`
	Outbox    []OutboxMessage `json:"outbox,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	out := *i
	out.State = slices.Clone(i.State)
	out.PendingTimeouts = slices.Clone(i.PendingTimeouts)
	out.Applied = slices.Clone(i.Applied)
	out.Outbox = slices.Clone(i.Outbox)
	return &out
}

// HasApplied reports whether id was already transitioned.
func (i *Instance) HasApplied(id uuid.UUID) bool {
	return slices.Contains(i.Applied, id)
}

// MarkApplied records id, dropping the oldest entries beyond limit.
func (i *Instance) MarkApplied(id uuid.UUID, limit int) {
	if limit <= 0 {
		limit = DefaultAppliedLimit
	}
	i.Applied = append(i.Applied, id)
	if over := len(i.Applied) - limit; over > 0 {
		i.Applied = slices.Clone(i.Applied[over:])
	}
}

// PendingTimeout returns the pending timeout with token.
func (i *Instance) PendingTimeout(token string) (Timeout, bool) {
	for _, t := range i.PendingTimeouts {
		if t.Token == token {
			return t, true
		}
	}
	return Timeout{}, false
}

func (i *Instance) removeTimeouts(drop func(Timeout) bool) {
	i.PendingTimeouts = slices.DeleteFunc(i.PendingTimeouts, drop)
}

func (i *Instance) addTimeout(t Timeout) {
	i.PendingTimeouts = append(i.PendingTimeouts, t)
	sort.SliceStable(i.PendingTimeouts, func(a, b int) bool {
		return i.PendingTimeouts[a].FireAt.Before(i.PendingTimeouts[b].FireAt)
	})
}

// Store persists instances. Save fails with a *errors.ConcurrencyConflictError
// when the stored version is not expectedVersion.
type Store interface {
	// Load returns errors.ErrInstanceNotFound for an unknown instance.
	Load(ctx context.Context, processType string, id uuid.UUID) (*Instance, error)
	Save(ctx context.Context, inst *Instance, expectedVersion int) error
	// DueTimeouts returns up to limit pending timeouts with FireAt <= now,
	// earliest first.
	DueTimeouts(ctx context.Context, now time.Time, limit int) ([]DueTimeout, error)
}
