// Package database holds the sqlite plumbing shared by every store.
//
// All stores of one worker share a single *sql.DB. Transactions are opened with
// "_txlock=immediate", so BEGIN takes the database write lock up front. Reads done
// inside such a transaction can not be invalidated by a concurrent writer before
// commit, which is what the reserve and state machine rely on instead of
// SELECT ... FOR UPDATE.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/zenz-bridge/resilience"
)

const (
	DefaultBusyTimeout = 5 * time.Second
)

var (
	ErrEmptyPath = errors.New("database file path is empty")
)

// Open opens (or creates) the sqlite file at path.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", fmt.Sprintf("%d", DefaultBusyTimeout.Milliseconds()))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// WithTx runs fn inside a write-locked transaction. The transaction is committed
// if fn returns nil and rolled back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.WithField("err", rbErr).Warn("failed to rollback transaction")
			}
			return
		}
		err = classify(tx.Commit())
	}()

	err = fn(tx)
	return err
}

// IsBusy reports whether err is sqlite's "database is locked" condition,
// which is worth retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// classify marks lock contention as transient. Other errors pass through.
func classify(err error) error {
	if IsBusy(err) {
		return resilience.Transient(err)
	}
	return err
}

// Timestamps are stored as unix milliseconds.

func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
