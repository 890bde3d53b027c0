package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/eventflow/internal/runtime/codec"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
)

// DefaultSchema names the schema (PostgreSQL) or table prefix (SQLite).
const DefaultSchema = "eventflow"

// SQLConfig configures an SQLStore.
type SQLConfig struct {
	Dialect sqldb.Dialect
	Schema  string
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

// SQLStore keeps each instance as a JSON document guarded by a version column.
// Pending timeouts are mirrored into their own table so DueTimeouts is an
// index scan.
type SQLStore struct {
	db        *sql.DB
	dialect   sqldb.Dialect
	schema    string
	instances string
	timeouts  string
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
		db:        db,
		dialect:   cfg.Dialect,
		schema:    cfg.Schema,
		instances: cfg.Dialect.Table(cfg.Schema, "saga_instances"),
		timeouts:  cfg.Dialect.Table(cfg.Schema, "saga_timeouts"),
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
		return nil, fmt.Errorf("failed to initialize saga store schema: %w", err)
	}
	return store, nil
}

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
			process_type TEXT NOT NULL,
			process_id %s NOT NULL,
			version INTEGER NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			document %s NOT NULL,
			updated_at %s NOT NULL,
			PRIMARY KEY (process_type, process_id)
		)`, s.instances, d.UUID(), d.Blob(), d.Timestamp()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			token TEXT PRIMARY KEY,
			process_type TEXT NOT NULL,
			process_id %s NOT NULL,
			name TEXT NOT NULL,
			fire_at %s NOT NULL
		)`, s.timeouts, d.UUID(), d.Timestamp()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (fire_at)`,
			sqldb.IndexName(s.timeouts, "fire_at"), s.timeouts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (process_type, process_id)`,
			sqldb.IndexName(s.timeouts, "instance"), s.timeouts),
	)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, processType string, id uuid.UUID) (*Instance, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT document FROM %s WHERE process_type = ? AND process_id = ?`, s.instances)),
		processType, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errspkg.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load process instance: %w", err)
	}

	var inst Instance
	if err := codec.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode process instance: %w", err)
	}
	return &inst, nil
}

func (s *SQLStore) Save(ctx context.Context, inst *Instance, expectedVersion int) (err error) {
	if inst == nil {
		return errspkg.ErrProcessRequired
	}
	doc, err := codec.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode process instance: %w", err)
	}
	updatedAt := inst.UpdatedAt.UTC()
	if inst.UpdatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := sqldb.Rollback(tx); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`INSERT INTO %s (process_type, process_id, version, completed, document, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`, s.instances)),
			inst.ProcessType, inst.ProcessID, inst.Version, inst.Completed, doc, updatedAt)
		if err != nil {
			if sqldb.IsUniqueViolation(err) {
				return conflict(inst, expectedVersion, s.currentVersion(ctx, inst))
			}
			return fmt.Errorf("failed to insert process instance: %w", err)
		}
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`UPDATE %s SET version = ?, completed = ?, document = ?, updated_at = ?
			 WHERE process_type = ? AND process_id = ? AND version = ?`, s.instances)),
			inst.Version, inst.Completed, doc, updatedAt, inst.ProcessType, inst.ProcessID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update process instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict(inst, expectedVersion, s.currentVersion(ctx, inst))
		}
	}

	if _, err = tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE process_type = ? AND process_id = ?`, s.timeouts)),
		inst.ProcessType, inst.ProcessID); err != nil {
		return fmt.Errorf("failed to clear timeouts: %w", err)
	}
	if len(inst.PendingTimeouts) > 0 {
		insert := s.dialect.Rebind(fmt.Sprintf(
			`INSERT INTO %s (token, process_type, process_id, name, fire_at) VALUES (?, ?, ?, ?, ?)`, s.timeouts))
		for _, t := range inst.PendingTimeouts {
			if _, err = tx.ExecContext(ctx, insert,
				t.Token, inst.ProcessType, inst.ProcessID, t.Name, t.FireAt.UTC()); err != nil {
				return fmt.Errorf("failed to schedule timeout %s: %w", t.Name, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		if sqldb.IsUniqueViolation(err) {
			return conflict(inst, expectedVersion, s.currentVersion(ctx, inst))
		}
		return fmt.Errorf("failed to commit process instance: %w", err)
	}
	return nil
}

// currentVersion is best effort; it only feeds the conflict error.
func (s *SQLStore) currentVersion(ctx context.Context, inst *Instance) int {
	var v int
	_ = s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT version FROM %s WHERE process_type = ? AND process_id = ?`, s.instances)),
		inst.ProcessType, inst.ProcessID).Scan(&v)
	return v
}

func (s *SQLStore) DueTimeouts(ctx context.Context, now time.Time, limit int) ([]DueTimeout, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT process_type, process_id, token, name, fire_at
		FROM %s
		WHERE fire_at <= ?
		ORDER BY fire_at ASC, token ASC
		LIMIT ?`, s.timeouts)), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read due timeouts: %w", err)
	}
	defer rows.Close()

	var due []DueTimeout
	for rows.Next() {
		var d DueTimeout
		if err := rows.Scan(&d.ProcessType, &d.ProcessID, &d.Token, &d.Name, &d.FireAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeout: %w", err)
		}
		d.FireAt = d.FireAt.UTC()
		due = append(due, d)
	}
	return due, rows.Err()
}
