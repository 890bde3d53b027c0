package sqldb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, NamePostgres, d.Name())
	assert.Equal(t, "postgres", d.Driver())

	d, err = ParseDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, NameSQLite, d.Name())

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestTableNaming(t *testing.T) {
	assert.Equal(t, "eventflow.events", Postgres.Table("eventflow", "events"))
	assert.Equal(t, "eventflow_events", SQLite.Table("eventflow", "events"))
	assert.Equal(t, "events", SQLite.Table("", "events"))
	assert.Equal(t, "", SQLite.CreateSchema("eventflow"))
	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS eventflow", Postgres.CreateSchema("eventflow"))
	assert.Equal(t, " FOR UPDATE", Postgres.ForUpdate())
	assert.Empty(t, SQLite.ForUpdate())
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("eventflow_v2"))
	assert.Error(t, ValidateIdentifier("drop table;"))
	assert.Error(t, ValidateIdentifier(""))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "40001"}))
	assert.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
}

func TestOpenSQLiteMemory(t *testing.T) {
	db, err := Open(context.Background(), SQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (id) VALUES (1)")
	assert.True(t, IsUniqueViolation(err))
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Postgres, "")
	assert.Error(t, err)
}
