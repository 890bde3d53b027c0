package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/eventflow/internal/runtime/codec"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
)

// DefaultSchema names the schema (PostgreSQL) or table prefix (SQLite).
const DefaultSchema = "eventflow"

// SQLConfig configures an SQLStore.
type SQLConfig struct {
	Dialect sqldb.Dialect
	// Schema is the PostgreSQL schema or SQLite table prefix. Defaults to "eventflow".
	Schema string
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.Dialect.Name() == "" {
		c.Dialect = sqldb.Postgres
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	return c
}

// SQLStore stores events in a relational database. A unique constraint on
// (stream_id, version) backs the optimistic concurrency check.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	schema  string
	streams string
	events  string
	now     func() time.Time
}

// NewSQLStore wraps an open database. Call InitSchema before first use unless
// migrations are managed elsewhere.
func NewSQLStore(db *sql.DB, cfg SQLConfig) (*SQLStore, error) {
	if db == nil {
		return nil, errspkg.ErrStoreRequired
	}
	cfg = cfg.withDefaults()
	if err := sqldb.ValidateIdentifier(cfg.Schema); err != nil {
		return nil, err
	}
	return &SQLStore{
		db:      db,
		dialect: cfg.Dialect,
		schema:  cfg.Schema,
		streams: cfg.Dialect.Table(cfg.Schema, "streams"),
		events:  cfg.Dialect.Table(cfg.Schema, "events"),
		now:     time.Now,
	}, nil
}

// OpenSQLStore opens dsn with the dialect, creates the schema and returns the store.
func OpenSQLStore(ctx context.Context, dsn string, cfg SQLConfig) (*SQLStore, error) {
	cfg = cfg.withDefaults()
	db, err := sqldb.Open(ctx, cfg.Dialect, dsn)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLStore(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event store schema: %w", err)
	}
	return store, nil
}

// DB exposes the underlying connection pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// InitSchema creates the tables and indexes when missing.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	d := s.dialect
	var stmts []string
	if create := d.CreateSchema(s.schema); create != "" {
		stmts = append(stmts, create)
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			stream_id %s PRIMARY KEY,
			stream_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			last_published_version INTEGER NOT NULL DEFAULT 0
		)`, s.streams, d.UUID()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			sequence %s,
			stream_id %s NOT NULL,
			version INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload %s NOT NULL,
			metadata %s NOT NULL,
			occurred_at %s NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (stream_id, version)
		)`, s.events, d.AutoID(), d.UUID(), d.Blob(), d.JSON(), d.Timestamp()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (sequence) WHERE published = FALSE`,
			sqldb.IndexName(s.events, "unpublished"), s.events),
	)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, streamID uuid.UUID, streamType string, expectedVersion int, events []EventData) (head int, err error) {
	if err := validateAppend(streamID, streamType, expectedVersion, events); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	var (
		storedType string
		current    int
	)
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT stream_type, version FROM %s WHERE stream_id = ?%s`, s.streams, s.dialect.ForUpdate())), streamID)
	switch scanErr := row.Scan(&storedType, &current); {
	case errors.Is(scanErr, sql.ErrNoRows):
		current = 0
	case scanErr != nil:
		return 0, fmt.Errorf("failed to load stream head: %w", scanErr)
	case storedType != streamType:
		return current, errspkg.ErrStreamTypeMismatch
	}

	if current != expectedVersion {
		return current, conflict(streamID, expectedVersion, current)
	}

	newHead := expectedVersion + len(events)
	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`INSERT INTO %s (stream_id, stream_type, version) VALUES (?, ?, ?)`, s.streams)),
			streamID, streamType, newHead)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`UPDATE %s SET version = ? WHERE stream_id = ? AND version = ?`, s.streams)),
			newHead, streamID, expectedVersion)
		if err == nil {
			if n, _ := res.RowsAffected(); n == 0 {
				return current, conflict(streamID, expectedVersion, current)
			}
		}
	}
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return current, conflict(streamID, expectedVersion, current)
		}
		return current, fmt.Errorf("failed to advance stream head: %w", err)
	}

	insert := s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (stream_id, version, event_type, payload, metadata, occurred_at, published)
		 VALUES (?, ?, ?, ?, ?, ?, FALSE)`, s.events))
	now := s.now()
	for i, ev := range events {
		stored := stamp(streamID, streamType, expectedVersion+i+1, ev, now)
		meta, mErr := encodeMetadata(stored.Metadata)
		if mErr != nil {
			return current, mErr
		}
		if _, err = tx.ExecContext(ctx, insert,
			streamID, stored.Version, stored.EventType, payloadOrEmpty(stored.Payload), meta, stored.OccurredAt,
		); err != nil {
			if sqldb.IsUniqueViolation(err) {
				return current, conflict(streamID, expectedVersion, current)
			}
			return current, fmt.Errorf("failed to insert event %d: %w", stored.Version, err)
		}
	}

	if err = tx.Commit(); err != nil {
		if sqldb.IsUniqueViolation(err) {
			return current, conflict(streamID, expectedVersion, current)
		}
		return current, fmt.Errorf("failed to commit append: %w", err)
	}
	return newHead, nil
}

func (s *SQLStore) Read(ctx context.Context, streamID uuid.UUID, fromVersion int) ([]StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT e.sequence, e.stream_id, s.stream_type, e.version, e.event_type, e.payload, e.metadata, e.occurred_at, e.published
		FROM %s e JOIN %s s ON s.stream_id = e.stream_id
		WHERE e.stream_id = ? AND e.version >= ?
		ORDER BY e.version ASC`, s.events, s.streams))
	rows, err := s.db.QueryContext(ctx, query, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLStore) ReadUnpublished(ctx context.Context, batchSize int, skip ...uuid.UUID) ([]StoredEvent, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	var exclude string
	args := make([]any, 0, len(skip)+1)
	if len(skip) > 0 {
		exclude = " AND e.stream_id NOT IN (?" + strings.Repeat(", ?", len(skip)-1) + ")"
		for _, id := range skip {
			args = append(args, id)
		}
	}
	args = append(args, batchSize)
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT e.sequence, e.stream_id, s.stream_type, e.version, e.event_type, e.payload, e.metadata, e.occurred_at, e.published
		FROM %s e JOIN %s s ON s.stream_id = e.stream_id
		WHERE e.published = FALSE%s
		ORDER BY e.sequence ASC
		LIMIT ?`, s.events, s.streams, exclude))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read unpublished events: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLStore) MarkPublished(ctx context.Context, streamID uuid.UUID, version int) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`UPDATE %s SET published = TRUE WHERE stream_id = ? AND version = ?`, s.events)), streamID, version)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errspkg.ErrEventNotFound
	}

	if _, err = tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET last_published_version = CASE WHEN last_published_version < ? THEN ? ELSE last_published_version END
		WHERE stream_id = ?`, s.streams)), version, version, streamID); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Cursor(ctx context.Context, streamID uuid.UUID) (Cursor, error) {
	cursor := Cursor{StreamID: streamID}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT last_published_version FROM %s WHERE stream_id = ?`, s.streams)), streamID).
		Scan(&cursor.LastPublishedVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

func (s *SQLStore) Head(ctx context.Context, streamID uuid.UUID) (int, error) {
	var head int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT version FROM %s WHERE stream_id = ?`, s.streams)), streamID).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to load head: %w", err)
	}
	return head, nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			ev   StoredEvent
			meta []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.StreamID, &ev.StreamType, &ev.Version, &ev.EventType,
			&ev.Payload, &meta, &ev.OccurredAt, &ev.Published); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		md, err := decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		ev.Metadata = md
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
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

func payloadOrEmpty(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}
