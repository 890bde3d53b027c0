package bridge

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
)

// inbound is a message pulled from the broker and not yet settled.
type inbound struct {
	msg           *message.Message
	env           *envelopepkg.Envelope
	deliveryCount int
	// lockToken is set while a receiver holds the message.
	lockToken string
}

type subscription struct {
	bus        *Bus
	cfg        transport.Subscription
	subscriber message.Subscriber

	mu      sync.Mutex
	changed chan struct{}
	queue   []*inbound
	// sessions maps a locked session key to its lock token.
	sessions map[string]string
	// attempts counts deliveries per watermill message id.
	attempts map[string]int
	done     bool
}

func newSubscription(b *Bus, cfg transport.Subscription, subscriber message.Subscriber) *subscription {
	return &subscription{
		bus:        b,
		cfg:        cfg,
		subscriber: subscriber,
		changed:    make(chan struct{}),
		sessions:   make(map[string]string),
		attempts:   make(map[string]int),
	}
}

// signal wakes every waiter. Callers hold s.mu.
func (s *subscription) signal() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// pump moves broker messages into the queue until the subscriber closes the channel.
func (s *subscription) pump(messages <-chan *message.Message) {
	for msg := range messages {
		s.push(msg)
	}
	s.close()
}

func (s *subscription) push(msg *message.Message) {
	env, err := envelopepkg.FromWatermill(msg)
	if err != nil {
		s.bus.logger.Error("Dropping undecodable message", err, watermill.LogFields{"message_uuid": msg.UUID})
		s.reject(msg, reasonUndecodable, 1)
		return
	}
	if s.cfg.SessionEnabled && !env.HasSession() {
		s.reject(msg, reasonSessionMissing, 1)
		return
	}

	s.mu.Lock()
	s.attempts[msg.UUID]++
	if n, err := strconv.Atoi(msg.Metadata.Get(metadatapkg.KeyBrokerDeliveryCount)); err == nil && n > s.attempts[msg.UUID] {
		s.attempts[msg.UUID] = n
	}
	count := s.attempts[msg.UUID]
	if count > s.cfg.MaxDeliveryCount {
		delete(s.attempts, msg.UUID)
		s.mu.Unlock()
		s.reject(msg, reasonMaxDelivery, count-1)
		return
	}
	s.queue = append(s.queue, &inbound{msg: msg, env: env, deliveryCount: count})
	s.signal()
	s.mu.Unlock()
}

// reject dead-letters msg before it reaches a receiver. A failed publish nacks
// it so the broker redelivers.
func (s *subscription) reject(msg *message.Message, reason string, deliveryCount int) {
	if err := s.bus.deadLetter(s.cfg, msg, reason, deliveryCount); err != nil {
		s.bus.logger.Error("Failed to dead-letter message", err, watermill.LogFields{"message_uuid": msg.UUID})
		msg.Nack()
		return
	}
	msg.Ack()
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.signal()
}

// wait blocks until the subscription changes or ctx ends. Callers hold s.mu;
// it is released while waiting and held again on return.
func (s *subscription) wait(ctx context.Context) error {
	wake := s.changed
	s.mu.Unlock()
	defer s.mu.Lock()
	select {
	case <-ctx.Done():
	case <-wake:
	}
	return ctx.Err()
}

// next hands out the oldest free message, restricted to session when set.
// A session waits while an earlier message of its own is in flight. Callers hold s.mu.
func (s *subscription) next(session string) *transport.Delivery {
	for _, in := range s.queue {
		if session != "" && in.env.SessionKey() != session {
			continue
		}
		if in.lockToken != "" {
			if session != "" {
				return nil
			}
			continue
		}
		in.lockToken = idspkg.NewMessageID().String()
		return &transport.Delivery{
			Envelope:      in.env,
			LockToken:     in.lockToken,
			DeliveryCount: in.deliveryCount,
			Topic:         s.cfg.Topic,
			Subscription:  s.cfg.Name,
		}
	}
	return nil
}

// take removes and returns the message locked by token. Callers hold s.mu.
func (s *subscription) take(token string) *inbound {
	if token == "" {
		return nil
	}
	for i, in := range s.queue {
		if in.lockToken == token {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return in
		}
	}
	return nil
}

func (s *subscription) acceptSession(ctx context.Context) (transport.SessionReceiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.done {
			return nil, errspkg.ErrClosed
		}
		for _, in := range s.queue {
			key := in.env.SessionKey()
			if _, locked := s.sessions[key]; locked {
				continue
			}
			token := idspkg.NewMessageID().String()
			s.sessions[key] = token
			return &sessionReceiver{receiver: receiver{sub: s, session: key, sessionToken: token}}, nil
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *subscription) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, in := range s.queue {
		seen[in.env.SessionKey()] = struct{}{}
	}
	return len(seen)
}
