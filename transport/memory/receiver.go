package memory

import (
	"context"
	"time"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	"github.com/drblury/eventflow/transport"
)

type receiver struct {
	bus *Bus
	sub *subscription

	session      string
	sessionToken string
	closed       bool
}

func (r *receiver) Receive(ctx context.Context) (*transport.Delivery, error) {
	if err := r.bus.faults.takeReceive(); err != nil {
		return nil, err
	}

	b := r.bus
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		if b.closed || r.closed {
			b.mu.Unlock()
			return nil, errspkg.ErrClosed
		}
		now := time.Now()
		if r.session != "" {
			lock, ok := r.sub.sessions[r.session]
			if !ok || lock.token != r.sessionToken {
				b.mu.Unlock()
				return nil, errspkg.ErrLockLost
			}
			lock.lockedUntil = now.Add(r.sub.cfg.LockDuration)
		}

		if d := r.next(now); d != nil {
			b.mu.Unlock()
			return d, nil
		}
		wake, timer := b.waitChannel(r.sub, now)
		b.mu.Unlock()

		if err := wait(ctx, wake, timer); err != nil {
			return nil, err
		}
	}
}

// next locks and returns the next deliverable message. Messages that already
// used every delivery attempt are dead-lettered on the way. A session receiver
// waits while an earlier message of its session is in flight. Callers hold b.mu.
func (r *receiver) next(now time.Time) *transport.Delivery {
	sub := r.sub
	for i := 0; i < len(sub.queue); i++ {
		e := sub.queue[i]
		if r.session != "" && e.env.SessionKey() != r.session {
			continue
		}
		if e.locked(now) {
			if r.session != "" {
				return nil
			}
			continue
		}
		if e.deliveryCount >= sub.cfg.MaxDeliveryCount {
			sub.deadLetterLocked(e, reasonMaxDelivery, now)
			i--
			continue
		}

		e.deliveryCount++
		e.lockToken = idspkg.NewMessageID().String()
		e.lockedUntil = now.Add(sub.cfg.LockDuration)
		return &transport.Delivery{
			Envelope:      e.env,
			LockToken:     e.lockToken,
			DeliveryCount: e.deliveryCount,
			LockedUntil:   e.lockedUntil,
			Topic:         sub.cfg.Topic,
			Subscription:  sub.cfg.Name,
		}
	}
	return nil
}

func (r *receiver) settle(d *transport.Delivery, fn func(e *entry, now time.Time)) error {
	if d == nil {
		return errspkg.ErrEnvelopeRequired
	}
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	e := r.sub.find(d.LockToken)
	if e == nil || !e.locked(now) {
		return errspkg.ErrLockLost
	}
	fn(e, now)
	b.signal()
	return nil
}

func (r *receiver) Complete(_ context.Context, d *transport.Delivery) error {
	return r.settle(d, func(e *entry, _ time.Time) {
		r.sub.remove(e)
	})
}

func (r *receiver) Abandon(_ context.Context, d *transport.Delivery) error {
	return r.settle(d, func(e *entry, now time.Time) {
		if e.deliveryCount >= r.sub.cfg.MaxDeliveryCount {
			r.sub.deadLetterLocked(e, reasonMaxDelivery, now)
			return
		}
		e.lockToken = ""
		e.lockedUntil = time.Time{}
	})
}

func (r *receiver) DeadLetter(_ context.Context, d *transport.Delivery, reason string) error {
	return r.settle(d, func(e *entry, now time.Time) {
		r.sub.deadLetterLocked(e, reason, now)
	})
}

// Renew extends the lock of d by the subscription lock duration.
func (r *receiver) Renew(_ context.Context, d *transport.Delivery) error {
	return r.settle(d, func(e *entry, now time.Time) {
		e.lockedUntil = now.Add(r.sub.cfg.LockDuration)
		d.LockedUntil = e.lockedUntil
	})
}

func (r *receiver) Close() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.closed = true
	return nil
}

type sessionReceiver struct {
	receiver
}

func (s *sessionReceiver) SessionKey() string { return s.session }

func (s *sessionReceiver) Release(context.Context) error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if lock, ok := s.sub.sessions[s.session]; ok && lock.token == s.sessionToken {
		delete(s.sub.sessions, s.session)
	}
	s.closed = true
	b.signal()
	return nil
}

func (s *sessionReceiver) Close() error {
	return s.Release(context.Background())
}
