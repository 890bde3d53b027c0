package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/transport"
)

// LoopState is the position of a receive loop in its cycle.
type LoopState int

const (
	StateIdle LoopState = iota
	StateReceiving
	StateHandling
	StateCompleting
	StateAbandoning
	StateDeadLettering
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateHandling:
		return "handling"
	case StateCompleting:
		return "completing"
	case StateAbandoning:
		return "abandoning"
	case StateDeadLettering:
		return "dead_lettering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	reasonDecodeFailed = "decode_failed"
	reasonPoison       = "poison"
)

type loop struct {
	id    int
	d     *Dispatcher
	retry *backoff.ExponentialBackOff
}

func (l *loop) set(s LoopState) { l.d.setState(l.id, s) }

// run serves a plain subscription: one slot per delivery.
func (l *loop) run(ctx context.Context) error {
	d := l.d
	l.set(StateIdle)
	recv, err := d.bus.Receiver(ctx, d.cfg.Subscription)
	if err != nil {
		return fmt.Errorf("dispatch: open receiver: %w", err)
	}
	defer recv.Close()

	for ctx.Err() == nil {
		l.set(StateIdle)
		release, err := d.throttle.Acquire(ctx)
		if err != nil {
			return nil
		}

		l.set(StateReceiving)
		del, err := recv.Receive(ctx)
		if err != nil {
			release()
			if stop, fatal := l.receiveFailed(ctx, err); stop {
				return fatal
			}
			continue
		}
		l.received()
		l.process(ctx, recv, del)
		release()
	}
	return nil
}

// runSessions serves a session subscription: one slot per accepted session, held
// until the session has been idle for SessionIdleTimeout.
func (l *loop) runSessions(ctx context.Context) error {
	d := l.d
	for ctx.Err() == nil {
		l.set(StateIdle)
		release, err := d.throttle.Acquire(ctx)
		if err != nil {
			return nil
		}

		l.set(StateReceiving)
		session, err := d.bus.AcceptSession(ctx, d.cfg.Subscription)
		if err != nil {
			release()
			if stop, fatal := l.receiveFailed(ctx, err); stop {
				return fatal
			}
			continue
		}
		l.received()
		l.drainSession(ctx, session)
		release()
	}
	return nil
}

func (l *loop) drainSession(ctx context.Context, session transport.SessionReceiver) {
	d := l.d
	log := d.logger.With(loggingpkg.LogFields{"session_key": session.SessionKey()})
	log.Debug("Accepted session", nil)

	defer func() {
		settleCtx, cancel := d.settleContext(ctx)
		defer cancel()
		if err := session.Release(settleCtx); err != nil && !errors.Is(err, errspkg.ErrLockLost) {
			log.Error("Failed to release session", err, nil)
		}
	}()

	for ctx.Err() == nil {
		l.set(StateReceiving)
		rctx, cancel := context.WithTimeout(ctx, d.cfg.SessionIdleTimeout)
		del, err := session.Receive(rctx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, context.DeadlineExceeded):
				log.Debug("Session idle", nil)
			case errors.Is(err, errspkg.ErrLockLost):
				log.Info("Session lock lost", nil)
			default:
				log.Error("Session receive failed", err, nil)
				if errors.Is(err, errspkg.ErrThrottled) {
					d.record(true)
				}
			}
			return
		}
		l.process(ctx, session, del)
	}
}

// receiveFailed handles a Receive or AcceptSession error. It reports whether the
// loop must stop and, if so, with which error.
func (l *loop) receiveFailed(ctx context.Context, err error) (bool, error) {
	d := l.d
	if ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, errspkg.ErrClosed) {
		return true, fmt.Errorf("dispatch: %w", err)
	}

	throttled := errors.Is(err, errspkg.ErrThrottled)
	if throttled {
		d.record(true)
	}
	wait := l.nextRetry()
	d.logger.Error("Receive failed", err, loggingpkg.LogFields{
		"loop":      l.id,
		"throttled": throttled,
		"retry_in":  wait.String(),
	})

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true, nil
	case <-t.C:
		return false, nil
	}
}

func (l *loop) nextRetry() time.Duration {
	if l.retry == nil {
		l.retry = backoff.NewExponentialBackOff()
		l.retry.InitialInterval = 50 * time.Millisecond
		l.retry.MaxInterval = 5 * time.Second
	}
	return l.retry.NextBackOff()
}

func (l *loop) received() {
	if l.retry != nil {
		l.retry.Reset()
	}
}

// process handles one delivery and settles it. Handling, lock renewal and
// settlement run on contexts detached from ctx: shutdown lets the current
// envelope finish instead of aborting the handler mid-way.
func (l *loop) process(ctx context.Context, recv transport.Receiver, del *transport.Delivery) {
	d := l.d
	ctx = context.WithoutCancel(ctx)
	env := del.Envelope
	msg := &Message{
		Envelope:      env,
		DeliveryCount: del.DeliveryCount,
		Topic:         del.Topic,
		Subscription:  d.cfg.Subscription.Key(),
		Logger: d.logger.With(loggingpkg.LogFields{
			"message_id": env.MessageID().String(),
			"type_tag":   env.TypeTag(),
		}),
	}

	l.set(StateHandling)
	regs, ok := d.registry.Lookup(env.TypeTag())
	if !ok {
		msg.Logger.Debug("No handler registered, completing", nil)
		l.settle(ctx, recv, del, nil, "")
		return
	}

	if d.serializer != nil && d.serializer.Known(env.TypeTag()) {
		payload, err := d.serializer.Decode(env.TypeTag(), env.Body())
		if err != nil {
			msg.Logger.Error("Failed to decode payload", err, nil)
			l.settle(ctx, recv, del, errspkg.Permanent(err), reasonDecodeFailed)
			return
		}
		msg.Payload = payload
	}

	hctx, cancel := d.handleContext(ctx)
	stop := l.renewLock(hctx, recv, del)
	err := d.invoke(hctx, msg, regs)
	stop()
	cancel()

	l.settle(ctx, recv, del, err, reasonPoison)
}

// invoke runs the handlers of one envelope in registration order and stops at
// the first failure.
func (d *Dispatcher) invoke(ctx context.Context, msg *Message, regs []Registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.Permanent(fmt.Errorf("panic occurred: %v", r))
		}
	}()
	for _, reg := range regs {
		msg.HandlerName = reg.Name
		if err := chain(reg.Handler, d.middlewares).Handle(ctx, msg); err != nil {
			return fmt.Errorf("handler %s: %w", reg.Name, err)
		}
	}
	return nil
}

func (l *loop) settle(ctx context.Context, recv transport.Receiver, del *transport.Delivery, handleErr error, reason string) {
	d := l.d
	settleCtx, cancel := d.settleContext(ctx)
	defer cancel()

	key := d.cfg.Subscription.Key()
	fields := loggingpkg.LogFields{
		"message_id":     del.Envelope.MessageID().String(),
		"delivery_count": del.DeliveryCount,
	}

	var (
		err    error
		action string
	)
	class := errspkg.Classify(handleErr)
	switch class {
	case errspkg.ClassNone:
		l.set(StateCompleting)
		action = telemetry.ActionComplete
		err = recv.Complete(settleCtx, del)
	case errspkg.ClassPermanent:
		l.set(StateDeadLettering)
		action = telemetry.ActionDeadLetter
		d.logger.Error("Dead-lettering message", handleErr, fields.Merge(loggingpkg.LogFields{"reason": reason}))
		err = recv.DeadLetter(settleCtx, del, reason+": "+handleErr.Error())
		if err == nil {
			d.metrics.RecordDeadLetter(key, reason, del.DeliveryCount)
		}
	case errspkg.ClassThrottled:
		d.record(true)
		fallthrough
	default:
		l.set(StateAbandoning)
		action = telemetry.ActionAbandon
		d.logger.Info("Abandoning message", fields.Merge(loggingpkg.LogFields{"error": handleErr.Error()}))
		err = recv.Abandon(settleCtx, del)
	}

	if err == nil {
		d.metrics.RecordSettlement(key, action)
		if class != errspkg.ClassThrottled {
			d.record(false)
		}
		return
	}
	switch {
	case errors.Is(err, errspkg.ErrLockLost):
		d.logger.Info("Lock lost before settlement, message will be redelivered", fields.Merge(loggingpkg.LogFields{"action": action}))
	case errors.Is(err, errspkg.ErrThrottled):
		d.record(true)
		d.logger.Error("Settlement throttled", err, fields)
	default:
		d.logger.Error("Settlement failed", err, fields.Merge(loggingpkg.LogFields{"action": action}))
	}
}

func (d *Dispatcher) handleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.HandleTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.HandleTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SettleTimeout)
}

// renewLock extends the delivery lock every LockRenewInterval until the
// returned stop func is called.
func (l *loop) renewLock(ctx context.Context, recv transport.Receiver, del *transport.Delivery) func() {
	d := l.d
	renewer, ok := recv.(transport.Renewer)
	if !ok || d.cfg.LockRenewInterval <= 0 {
		return func() {}
	}

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.LockRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if err := renewer.Renew(rctx, del); err != nil {
					if rctx.Err() == nil {
						d.logger.Error("Lock renewal failed", err, loggingpkg.LogFields{
							"message_id": del.Envelope.MessageID().String(),
						})
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
