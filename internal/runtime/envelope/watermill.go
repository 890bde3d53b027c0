package envelope

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// reservedKeys are carried as watermill metadata but not exposed as envelope
// metadata after the round trip.
var reservedKeys = []string{
	metadatapkg.KeyCorrelationID,
	metadatapkg.KeySessionKey,
	metadatapkg.KeySentAt,
	metadatapkg.KeyTypeTag,
	metadatapkg.KeyBrokerDeliveryCount,
}

// ToWatermill converts the envelope into a watermill message. The watermill UUID
// is the envelope message id.
func ToWatermill(e *Envelope) *message.Message {
	msg := message.NewMessage(e.messageID.String(), e.Body())
	msg.Metadata = metadatapkg.ToWatermill(e.metadata)
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, e.correlationID.String())
	msg.Metadata.Set(metadatapkg.KeySentAt, e.sentAt.Format(time.RFC3339Nano))
	msg.Metadata.Set(metadatapkg.KeyTypeTag, e.typeTag)
	if e.sessionKey != "" {
		msg.Metadata.Set(metadatapkg.KeySessionKey, e.sessionKey)
	}
	return msg
}

// FromWatermill rebuilds an envelope from a message produced by ToWatermill.
func FromWatermill(msg *message.Message) (*Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("envelope: nil watermill message")
	}

	messageID, err := uuid.Parse(msg.UUID)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid message id %q: %w", msg.UUID, err)
	}

	parts := Parts{
		MessageID:  messageID,
		SessionKey: msg.Metadata.Get(metadatapkg.KeySessionKey),
		TypeTag:    msg.Metadata.Get(metadatapkg.KeyTypeTag),
		Body:       msg.Payload,
	}

	if raw := msg.Metadata.Get(metadatapkg.KeyCorrelationID); raw != "" {
		parts.CorrelationID, err = uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("envelope: invalid correlation id %q: %w", raw, err)
		}
	}
	if raw := msg.Metadata.Get(metadatapkg.KeySentAt); raw != "" {
		parts.SentAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("envelope: invalid sent_at %q: %w", raw, err)
		}
	}

	parts.Metadata = metadatapkg.FromWatermill(msg.Metadata, reservedKeys...)

	return FromParts(parts)
}
