package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func messageFor(t *testing.T, body string, payload any) *Message {
	t.Helper()
	env, err := envelopepkg.New("order.placed", []byte(body))
	require.NoError(t, err)
	return &Message{Envelope: env, DeliveryCount: 1, Payload: payload}
}

func TestTypedUsesDecodedPayload(t *testing.T) {
	var got orderPlaced
	h := Typed(func(_ context.Context, _ *Message, p orderPlaced) error {
		got = p
		return nil
	})

	require.NoError(t, h.Handle(context.Background(), messageFor(t, "", &orderPlaced{OrderID: "o-1"})))
	assert.Equal(t, "o-1", got.OrderID)

	require.NoError(t, h.Handle(context.Background(), messageFor(t, "", orderPlaced{OrderID: "o-2"})))
	assert.Equal(t, "o-2", got.OrderID)
}

func TestTypedFallsBackToJSON(t *testing.T) {
	var got *orderPlaced
	h := Typed(func(_ context.Context, _ *Message, p *orderPlaced) error {
		got = p
		return nil
	})

	require.NoError(t, h.Handle(context.Background(), messageFor(t, `{"order_id":"o-3","amount":7}`, nil)))
	require.NotNil(t, got)
	assert.Equal(t, orderPlaced{OrderID: "o-3", Amount: 7}, *got)
}

func TestTypedMismatchIsPermanent(t *testing.T) {
	h := Typed(func(context.Context, *Message, orderPlaced) error { return nil })

	err := h.Handle(context.Background(), messageFor(t, "", "not an order"))
	require.Error(t, err)
	assert.True(t, errspkg.IsPermanent(err))

	err = h.Handle(context.Background(), messageFor(t, "{broken", nil))
	require.Error(t, err)
	assert.True(t, errspkg.IsPermanent(err))
}

func TestMessageAccessors(t *testing.T) {
	env, err := envelopepkg.New("x", nil, envelopepkg.WithSessionKey("s-1"))
	require.NoError(t, err)
	msg := &Message{Envelope: env}

	assert.Equal(t, "x", msg.TypeTag())
	assert.Equal(t, env.MessageID(), msg.MessageID())
	assert.Equal(t, env.CorrelationID(), msg.CorrelationID())
	assert.Equal(t, "s-1", msg.SessionKey())
}
