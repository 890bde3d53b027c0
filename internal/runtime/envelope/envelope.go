// Package envelope defines the immutable unit exchanged over the bus: a payload
// plus its identity, correlation, session key and metadata.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// Envelope wraps a serialized payload. Accessors return copies; an Envelope never
// changes after construction.
type Envelope struct {
	messageID     uuid.UUID
	correlationID uuid.UUID
	sessionKey    string
	sentAt        time.Time
	metadata      metadatapkg.Metadata
	body          []byte
	typeTag       string
}

// Parts is the plain-data form of an Envelope, used by transports that persist
// or rebuild envelopes.
type Parts struct {
	MessageID     uuid.UUID
	CorrelationID uuid.UUID
	SessionKey    string
	SentAt        time.Time
	Metadata      metadatapkg.Metadata
	Body          []byte
	TypeTag       string
}

// Option customises New.
type Option func(*Parts)

// WithMessageID overrides the generated message id.
func WithMessageID(id uuid.UUID) Option {
	return func(p *Parts) { p.MessageID = id }
}

// WithCorrelationID sets the correlation id. It defaults to the message id.
func WithCorrelationID(id uuid.UUID) Option {
	return func(p *Parts) { p.CorrelationID = id }
}

// WithSessionKey routes the envelope to a session.
func WithSessionKey(key string) Option {
	return func(p *Parts) { p.SessionKey = key }
}

// WithSentAt overrides the send timestamp.
func WithSentAt(at time.Time) Option {
	return func(p *Parts) { p.SentAt = at }
}

// WithMetadata merges entries into the envelope metadata.
func WithMetadata(md metadatapkg.Metadata) Option {
	return func(p *Parts) { p.Metadata = p.Metadata.WithAll(md) }
}

// New builds an envelope for body tagged with typeTag.
func New(typeTag string, body []byte, opts ...Option) (*Envelope, error) {
	parts := Parts{
		TypeTag:  typeTag,
		Body:     body,
		Metadata: metadatapkg.Metadata{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&parts)
		}
	}
	return FromParts(parts)
}

// FromParts validates parts and fills missing identity fields.
func FromParts(p Parts) (*Envelope, error) {
	if p.TypeTag == "" {
		return nil, errspkg.ErrTypeTagRequired
	}
	if p.MessageID == uuid.Nil {
		p.MessageID = idspkg.NewMessageID()
	}
	if p.CorrelationID == uuid.Nil {
		p.CorrelationID = p.MessageID
	}
	if p.SentAt.IsZero() {
		p.SentAt = time.Now().UTC()
	}

	body := make([]byte, len(p.Body))
	copy(body, p.Body)

	return &Envelope{
		messageID:     p.MessageID,
		correlationID: p.CorrelationID,
		sessionKey:    p.SessionKey,
		sentAt:        p.SentAt.UTC(),
		metadata:      p.Metadata.Clone(),
		body:          body,
		typeTag:       p.TypeTag,
	}, nil
}

func (e *Envelope) MessageID() uuid.UUID     { return e.messageID }
func (e *Envelope) CorrelationID() uuid.UUID { return e.correlationID }
func (e *Envelope) SessionKey() string       { return e.sessionKey }
func (e *Envelope) HasSession() bool         { return e.sessionKey != "" }
func (e *Envelope) SentAt() time.Time        { return e.sentAt }
func (e *Envelope) TypeTag() string          { return e.typeTag }

// Metadata returns a copy of the envelope metadata.
func (e *Envelope) Metadata() metadatapkg.Metadata { return e.metadata.Clone() }

// Header returns a single metadata value without copying the map.
func (e *Envelope) Header(key string) string { return e.metadata.Get(key) }

// Body returns a copy of the payload bytes.
func (e *Envelope) Body() []byte {
	body := make([]byte, len(e.body))
	copy(body, e.body)
	return body
}

// Len is the payload size in bytes.
func (e *Envelope) Len() int { return len(e.body) }

// Parts returns a copy of the envelope fields.
func (e *Envelope) Parts() Parts {
	return Parts{
		MessageID:     e.messageID,
		CorrelationID: e.correlationID,
		SessionKey:    e.sessionKey,
		SentAt:        e.sentAt,
		Metadata:      e.metadata.Clone(),
		Body:          e.Body(),
		TypeTag:       e.typeTag,
	}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{id=%s type=%s correlation=%s session=%q}",
		e.messageID, e.typeTag, e.correlationID, e.sessionKey)
}
