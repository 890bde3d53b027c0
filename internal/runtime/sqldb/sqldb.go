// Package sqldb holds the dialect differences between the PostgreSQL and
// SQLite backends of the event store, the saga store and the postgres broker.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect names accepted by ParseDialect.
const (
	NamePostgres = "postgres"
	NameSQLite   = "sqlite"
)

// Dialect describes one SQL backend.
type Dialect struct {
	name     string
	driver   string
	numbered bool
}

var (
	// Postgres uses lib/pq with $n placeholders and schema-qualified tables.
	Postgres = Dialect{name: NamePostgres, driver: "postgres", numbered: true}
	// SQLite uses mattn/go-sqlite3 with ? placeholders and prefixed tables.
	SQLite = Dialect{name: NameSQLite, driver: "sqlite3"}
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseDialect resolves a dialect by name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case NamePostgres, "postgresql":
		return Postgres, nil
	case NameSQLite, "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("sqldb: unsupported dialect %q", name)
	}
}

func (d Dialect) Name() string   { return d.name }
func (d Dialect) Driver() string { return d.driver }

// ValidateIdentifier rejects schema names that cannot be interpolated safely.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("sqldb: invalid identifier %q", name)
	}
	return nil
}

// Table returns the qualified table name for schema.
func (d Dialect) Table(schema, name string) string {
	if schema == "" {
		return name
	}
	if d.numbered {
		return schema + "." + name
	}
	return schema + "_" + name
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate returns the row lock clause, empty on SQLite where the
// connection-level write lock serialises writers.
func (d Dialect) ForUpdate() string {
	if d.numbered {
		return " FOR UPDATE"
	}
	return ""
}

// SkipLocked returns the clause that locks the selected rows and skips rows
// other transactions hold. SQLite has no row locks.
func (d Dialect) SkipLocked() string {
	if d.numbered {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// CreateSchema returns the statement creating schema, or "" when the dialect
// has no schemas.
func (d Dialect) CreateSchema(schema string) string {
	if !d.numbered || schema == "" {
		return ""
	}
	return "CREATE SCHEMA IF NOT EXISTS " + schema
}

func (d Dialect) AutoID() string {
	if d.numbered {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d Dialect) Blob() string {
	if d.numbered {
		return "BYTEA"
	}
	return "BLOB"
}

func (d Dialect) JSON() string {
	if d.numbered {
		return "JSONB"
	}
	return "TEXT"
}

func (d Dialect) Timestamp() string {
	if d.numbered {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

func (d Dialect) BigInt() string {
	if d.numbered {
		return "BIGINT"
	}
	return "INTEGER"
}

func (d Dialect) UUID() string {
	if d.numbered {
		return "UUID"
	}
	return "TEXT"
}

// IsUniqueViolation reports whether err is a unique or primary key violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Open connects to dsn and pings it. SQLite databases get WAL mode, a busy
// timeout and a single connection so ":memory:" stays one database.
func Open(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqldb: %s connection string is required", d.name)
	}

	if !d.numbered {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}

	if d.numbered {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.name, err)
	}
	return db, nil
}

// IndexName derives an index name from a possibly schema-qualified table.
func IndexName(table, suffix string) string {
	return "idx_" + strings.ReplaceAll(table, ".", "_") + "_" + suffix
}

// Rollback rolls tx back, ignoring sql.ErrTxDone.
func Rollback(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
