package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/zenz-bridge/resilience"
)

func newTestDB(t *testing.T) *sql.DB {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL);`)
	require.NoError(t, err)
	return db
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Equal(t, ErrEmptyPath, err)
}

func TestWithTxCommit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, "a", "1")
		return err
	})
	assert.NoError(t, err)

	var v string
	assert.NoError(t, db.QueryRow(`SELECT value FROM kv WHERE key = ?`, "a").Scan(&v))
	assert.Equal(t, "1", v)
}

func TestWithTxRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, "b", "2"); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	err = db.QueryRow(`SELECT value FROM kv WHERE key = ?`, "b").Scan(new(string))
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWithTxBusyIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin().WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	err = WithTx(ctx, db, func(tx *sql.Tx) error { return nil })
	assert.True(t, IsBusy(err))
	assert.True(t, resilience.IsTransient(err))

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(sqlite3.Error{Code: sqlite3.ErrLocked})
	err = WithTx(ctx, db, func(tx *sql.Tx) error { return nil })
	assert.True(t, resilience.IsTransient(err))

	errDisk := errors.New("disk I/O error")
	mock.ExpectBegin().WillReturnError(errDisk)
	err = WithTx(ctx, db, func(tx *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, errDisk)
	assert.False(t, IsBusy(err))
	assert.False(t, resilience.IsTransient(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStmtCacheForTx(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sc := NewStmtCache(db)
	defer sc.Clear()

	query := `INSERT INTO kv (key, value) VALUES (?, ?)`
	s1, err := sc.Prepare(ctx, query)
	require.NoError(t, err)
	s2, err := sc.Prepare(ctx, query)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := sc.ForTx(ctx, tx, query)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, "c", "3")
		return err
	})
	assert.NoError(t, err)
}

func TestMillis(t *testing.T) {
	assert.Equal(t, int64(0), ToMillis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())

	now := time.UnixMilli(time.Now().UnixMilli())
	assert.True(t, now.Equal(FromMillis(ToMillis(now))))
}
