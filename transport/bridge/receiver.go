package bridge

import (
	"context"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/transport"
)

type receiver struct {
	sub *subscription

	session      string
	sessionToken string
	closed       bool
}

func (r *receiver) Receive(ctx context.Context) (*transport.Delivery, error) {
	s := r.sub
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.done || r.closed {
			return nil, errspkg.ErrClosed
		}
		if r.session != "" && s.sessions[r.session] != r.sessionToken {
			return nil, errspkg.ErrLockLost
		}
		if d := s.next(r.session); d != nil {
			return d, nil
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *receiver) settle(d *transport.Delivery) (*inbound, error) {
	if d == nil {
		return nil, errspkg.ErrEnvelopeRequired
	}
	s := r.sub
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.take(d.LockToken)
	if in == nil {
		return nil, errspkg.ErrLockLost
	}
	s.signal()
	return in, nil
}

func (r *receiver) Complete(_ context.Context, d *transport.Delivery) error {
	in, err := r.settle(d)
	if err != nil {
		return err
	}
	r.forget(in)
	in.msg.Ack()
	return nil
}

// Abandon nacks the message so the broker redelivers it, or dead-letters it
// once it used every attempt.
func (r *receiver) Abandon(ctx context.Context, d *transport.Delivery) error {
	if d != nil && d.DeliveryCount >= r.sub.cfg.MaxDeliveryCount {
		return r.DeadLetter(ctx, d, reasonMaxDelivery)
	}
	in, err := r.settle(d)
	if err != nil {
		return err
	}
	in.msg.Nack()
	return nil
}

func (r *receiver) DeadLetter(_ context.Context, d *transport.Delivery, reason string) error {
	in, err := r.settle(d)
	if err != nil {
		return err
	}
	if err := r.sub.bus.deadLetter(r.sub.cfg, in.msg, reason, in.deliveryCount); err != nil {
		in.msg.Nack()
		return err
	}
	r.forget(in)
	in.msg.Ack()
	return nil
}

func (r *receiver) forget(in *inbound) {
	r.sub.mu.Lock()
	defer r.sub.mu.Unlock()
	delete(r.sub.attempts, in.msg.UUID)
}

func (r *receiver) Close() error {
	r.sub.mu.Lock()
	defer r.sub.mu.Unlock()
	r.closed = true
	return nil
}

type sessionReceiver struct {
	receiver
}

func (s *sessionReceiver) SessionKey() string { return s.session }

func (s *sessionReceiver) Release(context.Context) error {
	sub := s.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.sessions[s.session] == s.sessionToken {
		delete(sub.sessions, s.session)
	}
	s.closed = true
	sub.signal()
	return nil
}

func (s *sessionReceiver) Close() error {
	return s.Release(context.Background())
}
