// Package sqlbus implements transport.Bus on a relational database. Every
// subscription owns a copy of each message sent to its topic; receivers claim
// rows by writing a lock token and a lock expiry, and session locks live in
// their own table so several processes can share one database.
//
// PostgreSQL claims rows with FOR UPDATE SKIP LOCKED. SQLite runs on a single
// connection, which serialises claims.
package sqlbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/eventflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
	"github.com/drblury/eventflow/transport"
)

const (
	// DefaultSchema names the schema (PostgreSQL) or table prefix (SQLite).
	DefaultSchema = "eventflow"
	// DefaultPollInterval bounds how long a waiting receiver takes to notice
	// messages sent by another process.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxDeliveryCount applies to subscriptions that leave it unset.
	DefaultMaxDeliveryCount = 10
	// DefaultLockDuration applies to subscriptions that leave it unset.
	DefaultLockDuration = 30 * time.Second

	reasonMaxDelivery    = "max delivery count exceeded"
	reasonSessionMissing = "session key required by session-enabled subscription"
)

// Config holds SQL broker settings.
type Config struct {
	Dialect sqldb.Dialect
	// Schema is the PostgreSQL schema or SQLite table prefix. Defaults to "eventflow".
	Schema           string
	PollInterval     time.Duration
	MaxDeliveryCount int
	LockDuration     time.Duration
	Retry            transport.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Dialect.Name() == "" {
		c.Dialect = sqldb.Postgres
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	return c
}

// Bus is a transport.Bus backed by SQL tables.
type Bus struct {
	db     *sql.DB
	ownsDB bool
	cfg    Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	subscriptions string
	messages      string
	sessions      string
	deadLetters   string

	mu      sync.Mutex
	subs    map[string]transport.Subscription
	changed chan struct{}
	closed  bool
}

// New wraps an open database. Call InitSchema before first use unless
// migrations are managed elsewhere.
func New(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if db == nil {
		return nil, errspkg.ErrBusRequired
	}
	cfg = cfg.withDefaults()
	if err := sqldb.ValidateIdentifier(cfg.Schema); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	d := cfg.Dialect
	return &Bus{
		db:            db,
		cfg:           cfg,
		logger:        logger.With(watermill.LogFields{"transport": d.Name()}),
		now:           time.Now,
		subscriptions: d.Table(cfg.Schema, "bus_subscriptions"),
		messages:      d.Table(cfg.Schema, "bus_messages"),
		sessions:      d.Table(cfg.Schema, "bus_sessions"),
		deadLetters:   d.Table(cfg.Schema, "bus_dead_letters"),
		subs:          make(map[string]transport.Subscription),
		changed:       make(chan struct{}),
	}, nil
}

// Open connects to dsn, creates the tables and returns a bus that closes the
// connection pool on Close.
func Open(ctx context.Context, dsn string, cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	cfg = cfg.withDefaults()
	db, err := sqldb.Open(ctx, cfg.Dialect, dsn)
	if err != nil {
		return nil, err
	}
	b, err := New(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := b.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize bus schema: %w", err)
	}
	b.ownsDB = true
	return b, nil
}

// InitSchema creates the tables and indexes when missing.
func (b *Bus) InitSchema(ctx context.Context) error {
	d := b.cfg.Dialect
	var stmts []string
	if create := d.CreateSchema(b.cfg.Schema); create != "" {
		stmts = append(stmts, create)
	}
	// #nosec G201 - table names are built from a validated identifier
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			topic TEXT NOT NULL,
			name TEXT NOT NULL,
			session_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			max_delivery INTEGER NOT NULL,
			lock_ms %s NOT NULL,
			PRIMARY KEY (topic, name)
		)`, b.subscriptions, d.BigInt()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			topic TEXT NOT NULL,
			name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			type_tag TEXT NOT NULL,
			sent_at %s NOT NULL,
			metadata %s NOT NULL,
			body %s NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			lock_token TEXT NOT NULL DEFAULT '',
			locked_until %s NOT NULL DEFAULT 0
		)`, b.messages, d.AutoID(), d.BigInt(), d.JSON(), d.Blob(), d.BigInt()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic, name, id)`,
			sqldb.IndexName(b.messages, "subscription"), b.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (lock_token)`,
			sqldb.IndexName(b.messages, "lock_token"), b.messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			topic TEXT NOT NULL,
			name TEXT NOT NULL,
			session_key TEXT NOT NULL,
			lock_token TEXT NOT NULL,
			locked_until %s NOT NULL,
			PRIMARY KEY (topic, name, session_key)
		)`, b.sessions, d.BigInt()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			topic TEXT NOT NULL,
			name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			type_tag TEXT NOT NULL,
			sent_at %s NOT NULL,
			metadata %s NOT NULL,
			body %s NOT NULL,
			reason TEXT NOT NULL,
			delivery_count INTEGER NOT NULL,
			dead_at %s NOT NULL
		)`, b.deadLetters, d.AutoID(), d.BigInt(), d.JSON(), d.Blob(), d.BigInt()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic, name)`,
			sqldb.IndexName(b.deadLetters, "subscription"), b.deadLetters),
	)

	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying connection pool.
func (b *Bus) DB() *sql.DB { return b.db }

// Capabilities reports the capabilities of the dialect.
func (b *Bus) Capabilities() transport.Capabilities {
	if b.cfg.Dialect == sqldb.SQLite {
		return transport.SQLiteCapabilities
	}
	return transport.PostgresCapabilities
}

func (b *Bus) q(query string) string {
	return b.cfg.Dialect.Rebind(query)
}

// signal wakes local waiters.
func (b *Bus) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.changed)
	b.changed = make(chan struct{})
}

// watch returns the channel closed by the next signal, or an error once the
// bus is closed.
func (b *Bus) watch() (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errspkg.ErrClosed
	}
	return b.changed, nil
}

// wait blocks until wake fires, the poll interval passes or ctx ends.
func (b *Bus) wait(ctx context.Context, wake <-chan struct{}) error {
	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
	return ctx.Err()
}

func (b *Bus) Send(ctx context.Context, topic string, env *envelopepkg.Envelope) error {
	return transport.SendWithRetry(ctx, b.cfg.Retry, topic, env, func(ctx context.Context) error {
		if _, err := b.watch(); err != nil {
			return errspkg.Permanent(err)
		}
		if err := b.insert(ctx, topic, env); err != nil {
			return errspkg.Transient(err)
		}
		b.signal()
		return nil
	})
}

type target struct {
	name           string
	sessionEnabled bool
}

// insert copies env to every subscription of topic in one transaction.
func (b *Bus) insert(ctx context.Context, topic string, env *envelopepkg.Envelope) (err error) {
	meta, err := encodeMetadata(env.Metadata())
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	targets, err := b.targets(ctx, tx, topic)
	if err != nil {
		return err
	}

	now := b.now()
	for _, t := range targets {
		if t.sessionEnabled && !env.HasSession() {
			// #nosec G201 - table names are built from a validated identifier
			_, err = tx.ExecContext(ctx, b.q(fmt.Sprintf(
				`INSERT INTO %s (topic, name, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body, reason, delivery_count, dead_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`, b.deadLetters)),
				topic, t.name, env.MessageID().String(), env.CorrelationID().String(), env.SessionKey(), env.TypeTag(),
				env.SentAt().UnixNano(), meta, env.Body(), reasonSessionMissing, now.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to dead-letter message for %s/%s: %w", topic, t.name, err)
			}
			b.logger.Info("Message dead-lettered", watermill.LogFields{
				"message_id":   env.MessageID().String(),
				"topic":        topic,
				"subscription": t.name,
				"reason":       reasonSessionMissing,
			})
			continue
		}
		// #nosec G201 - table names are built from a validated identifier
		_, err = tx.ExecContext(ctx, b.q(fmt.Sprintf(
			`INSERT INTO %s (topic, name, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, b.messages)),
			topic, t.name, env.MessageID().String(), env.CorrelationID().String(), env.SessionKey(), env.TypeTag(),
			env.SentAt().UnixNano(), meta, env.Body())
		if err != nil {
			return fmt.Errorf("failed to insert message for %s/%s: %w", topic, t.name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit send: %w", err)
	}
	return nil
}

func (b *Bus) targets(ctx context.Context, tx *sql.Tx, topic string) ([]target, error) {
	// #nosec G201 - table names are built from a validated identifier
	rows, err := tx.QueryContext(ctx, b.q(fmt.Sprintf(
		`SELECT name, session_enabled FROM %s WHERE topic = ? ORDER BY name`, b.subscriptions)), topic)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions of %s: %w", topic, err)
	}
	defer rows.Close()

	var out []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.name, &t.sessionEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Subscribe provisions the subscription row. It is idempotent; a repeated call
// updates the stored settings.
func (b *Bus) Subscribe(ctx context.Context, sub transport.Subscription) error {
	_, err := b.subscription(ctx, sub)
	return err
}

func (b *Bus) subscription(ctx context.Context, cfg transport.Subscription) (transport.Subscription, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg = cfg.WithDefaults(b.cfg.MaxDeliveryCount, b.cfg.LockDuration)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return cfg, errspkg.ErrClosed
	}
	known, ok := b.subs[cfg.Key()]
	b.mu.Unlock()
	if ok && known == cfg {
		return cfg, nil
	}

	// #nosec G201 - table names are built from a validated identifier
	_, err := b.db.ExecContext(ctx, b.q(fmt.Sprintf(
		`INSERT INTO %s (topic, name, session_enabled, max_delivery, lock_ms) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (topic, name) DO UPDATE SET
		 	session_enabled = excluded.session_enabled,
		 	max_delivery = excluded.max_delivery,
		 	lock_ms = excluded.lock_ms`, b.subscriptions)),
		cfg.Topic, cfg.Name, cfg.SessionEnabled, cfg.MaxDeliveryCount, cfg.LockDuration.Milliseconds())
	if err != nil {
		return cfg, fmt.Errorf("failed to provision subscription %s: %w", cfg.Key(), err)
	}

	b.mu.Lock()
	b.subs[cfg.Key()] = cfg
	b.mu.Unlock()
	b.logger.Debug("Subscription provisioned", watermill.LogFields{
		"topic":        cfg.Topic,
		"subscription": cfg.Name,
		"sessions":     cfg.SessionEnabled,
	})
	return cfg, nil
}

func (b *Bus) Receiver(ctx context.Context, cfg transport.Subscription) (transport.Receiver, error) {
	sub, err := b.subscription(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if sub.SessionEnabled {
		return nil, fmt.Errorf("sqlbus: subscription %s requires AcceptSession", sub.Key())
	}
	return &receiver{bus: b, sub: sub}, nil
}

func (b *Bus) AcceptSession(ctx context.Context, cfg transport.Subscription) (transport.SessionReceiver, error) {
	sub, err := b.subscription(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !sub.SessionEnabled {
		return nil, errspkg.ErrSessionsNotEnabled
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wake, err := b.watch()
		if err != nil {
			return nil, err
		}
		key, token, ok, err := b.lockFreeSession(ctx, sub)
		if err != nil {
			return nil, err
		}
		if ok {
			return &sessionReceiver{receiver: receiver{bus: b, sub: sub, session: key, sessionToken: token}}, nil
		}
		if err := b.wait(ctx, wake); err != nil {
			return nil, err
		}
	}
}

// lockFreeSession locks the session of the oldest message whose session is
// free. Losing the lock race to another process reports no session.
func (b *Bus) lockFreeSession(ctx context.Context, sub transport.Subscription) (key, token string, ok bool, err error) {
	now := b.now()
	// #nosec G201 - table names are built from a validated identifier
	row := b.db.QueryRowContext(ctx, b.q(fmt.Sprintf(
		`SELECT m.session_key FROM %s m
		 WHERE m.topic = ? AND m.name = ? AND NOT EXISTS (
		 	SELECT 1 FROM %s s
		 	WHERE s.topic = m.topic AND s.name = m.name AND s.session_key = m.session_key AND s.locked_until > ?
		 )
		 ORDER BY m.id ASC
		 LIMIT 1`, b.messages, b.sessions)),
		sub.Topic, sub.Name, now.UnixMilli())
	switch scanErr := row.Scan(&key); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return "", "", false, nil
	case scanErr != nil:
		return "", "", false, fmt.Errorf("failed to find free session: %w", scanErr)
	}

	token = uuid.NewString()
	// #nosec G201 - table names are built from a validated identifier
	res, err := b.db.ExecContext(ctx, b.q(fmt.Sprintf(
		`INSERT INTO %s AS s (topic, name, session_key, lock_token, locked_until) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (topic, name, session_key) DO UPDATE SET
		 	lock_token = excluded.lock_token,
		 	locked_until = excluded.locked_until
		 WHERE s.locked_until <= ?`, b.sessions)),
		sub.Topic, sub.Name, key, token, now.Add(sub.LockDuration).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", "", false, fmt.Errorf("failed to lock session %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", "", false, nil
	}
	return key, token, true, nil
}

// ActiveSessions counts distinct sessions with pending messages.
func (b *Bus) ActiveSessions(ctx context.Context, cfg transport.Subscription) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	var n int
	// #nosec G201 - table names are built from a validated identifier
	err := b.db.QueryRowContext(ctx, b.q(fmt.Sprintf(
		`SELECT COUNT(DISTINCT session_key) FROM %s WHERE topic = ? AND name = ?`, b.messages)),
		cfg.Topic, cfg.Name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Pending returns the number of unsettled messages of the subscription.
func (b *Bus) Pending(ctx context.Context, cfg transport.Subscription) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	var n int
	// #nosec G201 - table names are built from a validated identifier
	err := b.db.QueryRowContext(ctx, b.q(fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE topic = ? AND name = ?`, b.messages)),
		cfg.Topic, cfg.Name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// DeadLetters returns the dead-letter sink of the subscription, oldest first.
func (b *Bus) DeadLetters(ctx context.Context, cfg transport.Subscription) ([]transport.DeadLetter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// #nosec G201 - table names are built from a validated identifier
	rows, err := b.db.QueryContext(ctx, b.q(fmt.Sprintf(
		`SELECT message_id, correlation_id, session_key, type_tag, sent_at, metadata, body, reason, delivery_count, dead_at
		 FROM %s WHERE topic = ? AND name = ? ORDER BY id ASC`, b.deadLetters)),
		cfg.Topic, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	defer rows.Close()

	var out []transport.DeadLetter
	for rows.Next() {
		var (
			r      storedEnvelope
			dl     transport.DeadLetter
			deadAt int64
		)
		if err := rows.Scan(&r.messageID, &r.correlationID, &r.sessionKey, &r.typeTag, &r.sentAt, &r.metadata, &r.body,
			&dl.Reason, &dl.DeliveryCount, &deadAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if dl.Envelope, err = r.envelope(); err != nil {
			return nil, err
		}
		dl.DeadAt = time.UnixMilli(deadAt).UTC()
		dl.Subscription = cfg.Name
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ReplayDeadLetters moves the dead letters of the subscription back to its
// queue with a fresh delivery count.
func (b *Bus) ReplayDeadLetters(ctx context.Context, cfg transport.Subscription) (n int64, err error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	// #nosec G201 - table names are built from a validated identifier
	res, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(
		`INSERT INTO %s (topic, name, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body)
		 SELECT topic, name, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body
		 FROM %s WHERE topic = ? AND name = ? ORDER BY id ASC`, b.messages, b.deadLetters)),
		cfg.Topic, cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to replay dead letters: %w", err)
	}
	n, _ = res.RowsAffected()
	// #nosec G201 - table names are built from a validated identifier
	if _, err = tx.ExecContext(ctx, b.q(fmt.Sprintf(
		`DELETE FROM %s WHERE topic = ? AND name = ?`, b.deadLetters)), cfg.Topic, cfg.Name); err != nil {
		return 0, fmt.Errorf("failed to clear replayed dead letters: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit replay: %w", err)
	}
	if n > 0 {
		b.signal()
	}
	return n, nil
}

// PurgeDeadLetters deletes the dead letters of the subscription.
func (b *Bus) PurgeDeadLetters(ctx context.Context, cfg transport.Subscription) (int64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	// #nosec G201 - table names are built from a validated identifier
	res, err := b.db.ExecContext(ctx, b.q(fmt.Sprintf(
		`DELETE FROM %s WHERE topic = ? AND name = ?`, b.deadLetters)), cfg.Topic, cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Close stops every receiver. The connection pool is closed when the bus
// opened it.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

// moveToDeadLetters copies message id to the dead-letter table and deletes it.
func (b *Bus) moveToDeadLetters(ctx context.Context, tx *sql.Tx, id int64, reason string, now time.Time) error {
	// #nosec G201 - table names are built from a validated identifier
	_, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(
		`INSERT INTO %s (topic, name, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body, reason, delivery_count, dead_at)
		 SELECT topic, name, message_id, correlation_id, session_key, type_tag, sent_at, metadata, body, CAST(? AS TEXT), delivery_count, CAST(? AS BIGINT)
		 FROM %s WHERE id = ?`, b.deadLetters, b.messages)),
		reason, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	// #nosec G201 - table names are built from a validated identifier
	if _, err := tx.ExecContext(ctx, b.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, b.messages)), id); err != nil {
		return fmt.Errorf("failed to delete dead-lettered message: %w", err)
	}
	return nil
}

// storedEnvelope is an envelope as persisted in the message tables.
type storedEnvelope struct {
	messageID     string
	correlationID string
	sessionKey    string
	typeTag       string
	sentAt        int64
	metadata      []byte
	body          []byte
}

func (r storedEnvelope) envelope() (*envelopepkg.Envelope, error) {
	messageID, err := uuid.Parse(r.messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message id: %w", err)
	}
	correlationID, err := uuid.Parse(r.correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse correlation id: %w", err)
	}
	md, err := decodeMetadata(r.metadata)
	if err != nil {
		return nil, err
	}
	return envelopepkg.FromParts(envelopepkg.Parts{
		MessageID:     messageID,
		CorrelationID: correlationID,
		SessionKey:    r.sessionKey,
		SentAt:        time.Unix(0, r.sentAt),
		Metadata:      md,
		Body:          r.body,
		TypeTag:       r.typeTag,
	})
}

func encodeMetadata(md metadatapkg.Metadata) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	raw, err := codec.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (metadatapkg.Metadata, error) {
	md := metadatapkg.Metadata{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := codec.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return md, nil
}
