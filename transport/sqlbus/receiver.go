package sqlbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
	"github.com/drblury/eventflow/transport"
)

type receiver struct {
	bus *Bus
	sub transport.Subscription

	session      string
	sessionToken string
	closed       atomic.Bool
}

func (r *receiver) Receive(ctx context.Context) (*transport.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wake, err := r.bus.watch()
		if err != nil {
			return nil, err
		}
		if r.closed.Load() {
			return nil, errspkg.ErrClosed
		}
		d, err := r.claim(ctx)
		if err != nil {
			if _, closedErr := r.bus.watch(); closedErr != nil {
				return nil, closedErr
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := r.bus.wait(ctx, wake); err != nil {
			return nil, err
		}
	}
}

type candidate struct {
	id            int64
	deliveryCount int
	lockedUntil   int64
	stored        storedEnvelope
}

// claim locks the next deliverable message, dead-lettering the ones that
// already used every attempt. A session receiver renews its session lock and
// waits while the oldest message of its session is in flight.
func (r *receiver) claim(ctx context.Context) (d *transport.Delivery, err error) {
	b := r.bus
	now := b.now()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	if r.session != "" {
		if err = r.renewSession(ctx, tx, now); err != nil {
			return nil, err
		}
	}

	for {
		c, err := r.next(ctx, tx, now)
		if err != nil {
			return nil, err
		}
		if c == nil || (r.session != "" && c.lockedUntil > now.UnixMilli()) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit receive: %w", err)
			}
			return nil, nil
		}
		if c.deliveryCount >= r.sub.MaxDeliveryCount {
			if err := b.moveToDeadLetters(ctx, tx, c.id, reasonMaxDelivery, now); err != nil {
				return nil, err
			}
			r.logDeadLetter(c.stored.messageID, reasonMaxDelivery, c.deliveryCount)
			continue
		}

		token := uuid.NewString()
		lockedUntil := now.Add(r.sub.LockDuration)
		// #nosec G201 - table names are built from a validated identifier
		if _, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(
			`UPDATE %s SET delivery_count = delivery_count + 1, lock_token = ?, locked_until = ? WHERE id = ?`, b.messages)),
			token, lockedUntil.UnixMilli(), c.id); err != nil {
			return nil, fmt.Errorf("failed to lock message: %w", err)
		}
		env, err := c.stored.envelope()
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit receive: %w", err)
		}
		return &transport.Delivery{
			Envelope:      env,
			LockToken:     token,
			DeliveryCount: c.deliveryCount + 1,
			LockedUntil:   time.UnixMilli(lockedUntil.UnixMilli()),
			Topic:         r.sub.Topic,
			Subscription:  r.sub.Name,
		}, nil
	}
}

// next returns the oldest unlocked message, or for a session receiver the
// oldest message of its session whatever its lock state.
func (r *receiver) next(ctx context.Context, tx *sql.Tx, now time.Time) (*candidate, error) {
	b := r.bus
	const columns = `id, delivery_count, locked_until, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body`

	var row *sql.Row
	if r.session != "" {
		// #nosec G201 - table names are built from a validated identifier
		row = tx.QueryRowContext(ctx, b.q(fmt.Sprintf(
			`SELECT %s FROM %s WHERE topic = ? AND name = ? AND session_key = ? ORDER BY id ASC LIMIT 1%s`,
			columns, b.messages, b.cfg.Dialect.ForUpdate())),
			r.sub.Topic, r.sub.Name, r.session)
	} else {
		// #nosec G201 - table names are built from a validated identifier
		row = tx.QueryRowContext(ctx, b.q(fmt.Sprintf(
			`SELECT %s FROM %s WHERE topic = ? AND name = ? AND locked_until <= ? ORDER BY id ASC LIMIT 1%s`,
			columns, b.messages, b.cfg.Dialect.SkipLocked())),
			r.sub.Topic, r.sub.Name, now.UnixMilli())
	}

	var c candidate
	err := row.Scan(&c.id, &c.deliveryCount, &c.lockedUntil, &c.stored.messageID, &c.stored.correlationID,
		&c.stored.sessionKey, &c.stored.typeTag, &c.stored.sentAt, &c.stored.metadata, &c.stored.body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to select message: %w", err)
	}
	return &c, nil
}

func (r *receiver) renewSession(ctx context.Context, tx *sql.Tx, now time.Time) error {
	b := r.bus
	// #nosec G201 - table names are built from a validated identifier
	res, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(
		`UPDATE %s SET locked_until = ? WHERE topic = ? AND name = ? AND session_key = ? AND lock_token = ?`, b.sessions)),
		now.Add(r.sub.LockDuration).UnixMilli(), r.sub.Topic, r.sub.Name, r.session, r.sessionToken)
	if err != nil {
		return fmt.Errorf("failed to renew session lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errspkg.ErrLockLost
	}
	return nil
}

// settle runs fn in a transaction on the message locked by d.
func (r *receiver) settle(ctx context.Context, d *transport.Delivery, fn func(tx *sql.Tx, id int64, deliveryCount int, now time.Time) error) (err error) {
	if d == nil {
		return errspkg.ErrEnvelopeRequired
	}
	if d.LockToken == "" {
		return errspkg.ErrLockLost
	}
	b := r.bus
	now := b.now()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	var (
		id            int64
		deliveryCount int
	)
	// #nosec G201 - table names are built from a validated identifier
	row := tx.QueryRowContext(ctx, b.q(fmt.Sprintf(
		`SELECT id, delivery_count FROM %s WHERE lock_token = ? AND locked_until > ?%s`,
		b.messages, b.cfg.Dialect.ForUpdate())), d.LockToken, now.UnixMilli())
	switch scanErr := row.Scan(&id, &deliveryCount); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return errspkg.ErrLockLost
	case scanErr != nil:
		return fmt.Errorf("failed to load locked message: %w", scanErr)
	}

	if err = fn(tx, id, deliveryCount, now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	b.signal()
	return nil
}

func (r *receiver) Complete(ctx context.Context, d *transport.Delivery) error {
	b := r.bus
	return r.settle(ctx, d, func(tx *sql.Tx, id int64, _ int, _ time.Time) error {
		// #nosec G201 - table names are built from a validated identifier
		if _, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, b.messages)), id); err != nil {
			return fmt.Errorf("failed to complete message: %w", err)
		}
		return nil
	})
}

func (r *receiver) Abandon(ctx context.Context, d *transport.Delivery) error {
	b := r.bus
	return r.settle(ctx, d, func(tx *sql.Tx, id int64, deliveryCount int, now time.Time) error {
		if deliveryCount >= r.sub.MaxDeliveryCount {
			if err := b.moveToDeadLetters(ctx, tx, id, reasonMaxDelivery, now); err != nil {
				return err
			}
			r.logDeadLetter(d.Envelope.MessageID().String(), reasonMaxDelivery, deliveryCount)
			return nil
		}
		// #nosec G201 - table names are built from a validated identifier
		if _, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(
			`UPDATE %s SET lock_token = '', locked_until = 0 WHERE id = ?`, b.messages)), id); err != nil {
			return fmt.Errorf("failed to abandon message: %w", err)
		}
		return nil
	})
}

func (r *receiver) DeadLetter(ctx context.Context, d *transport.Delivery, reason string) error {
	return r.settle(ctx, d, func(tx *sql.Tx, id int64, deliveryCount int, now time.Time) error {
		if err := r.bus.moveToDeadLetters(ctx, tx, id, reason, now); err != nil {
			return err
		}
		r.logDeadLetter(d.Envelope.MessageID().String(), reason, deliveryCount)
		return nil
	})
}

// Renew extends the lock of d, and the session lock of a session receiver, by
// the subscription lock duration.
func (r *receiver) Renew(ctx context.Context, d *transport.Delivery) error {
	b := r.bus
	return r.settle(ctx, d, func(tx *sql.Tx, id int64, _ int, now time.Time) error {
		if r.session != "" {
			if err := r.renewSession(ctx, tx, now); err != nil {
				return err
			}
		}
		lockedUntil := now.Add(r.sub.LockDuration)
		// #nosec G201 - table names are built from a validated identifier
		if _, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(
			`UPDATE %s SET locked_until = ? WHERE id = ?`, b.messages)), lockedUntil.UnixMilli(), id); err != nil {
			return fmt.Errorf("failed to renew message lock: %w", err)
		}
		d.LockedUntil = time.UnixMilli(lockedUntil.UnixMilli())
		return nil
	})
}

func (r *receiver) logDeadLetter(messageID, reason string, deliveryCount int) {
	r.bus.logger.Info("Message dead-lettered", watermill.LogFields{
		"message_id":     messageID,
		"topic":          r.sub.Topic,
		"subscription":   r.sub.Name,
		"reason":         reason,
		"delivery_count": deliveryCount,
	})
}

func (r *receiver) Close() error {
	r.closed.Store(true)
	return nil
}

type sessionReceiver struct {
	receiver
}

func (s *sessionReceiver) SessionKey() string { return s.session }

// Release deletes the session lock when this receiver still holds it.
func (s *sessionReceiver) Release(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	b := s.bus
	// #nosec G201 - table names are built from a validated identifier
	_, err := b.db.ExecContext(ctx, b.q(fmt.Sprintf(
		`DELETE FROM %s WHERE topic = ? AND name = ? AND session_key = ? AND lock_token = ?`, b.sessions)),
		s.sub.Topic, s.sub.Name, s.session, s.sessionToken)
	if err != nil {
		return fmt.Errorf("failed to release session %q: %w", s.session, err)
	}
	b.signal()
	return nil
}

func (s *sessionReceiver) Close() error {
	return s.Release(context.Background())
}
