package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrNotFound        = errors.New("bridge transaction not found")
	ErrInvalidAmount   = errors.New("amount must be greater than 0")
	ErrEmptyTxID       = errors.New("empty transaction id")
	ErrConcurrentWrite = errors.New("transaction changed concurrently")
)

// StateDB owns the bridge_transactions table. Every status change goes through
// ValidateTransition and is applied as a compare-and-set on the current status.
type StateDB struct {
	stmtCache *database.StmtCache
	nowFn     func() time.Time
}

func NewStateDB(db *sql.DB) (*StateDB, error) {
	if _, err := db.Exec(bridgeTransactionsTable); err != nil {
		return nil, err
	}

	return &StateDB{
		stmtCache: database.NewStmtCache(db),
		nowFn:     time.Now,
	}, nil
}

// WithClock replaces the clock, for tests.
func (st *StateDB) WithClock(nowFn func() time.Time) *StateDB {
	st.nowFn = nowFn
	return st
}

func (st *StateDB) DB() *sql.DB {
	return st.stmtCache.DB()
}

func (st *StateDB) Close() {
	st.stmtCache.Clear()
}

// CreateIfAbsent inserts t as pending. It returns false if a row with the same
// id already exists, in which case nothing is changed.
func (st *StateDB) CreateIfAbsent(ctx context.Context, t *Transaction) (bool, error) {
	if t.TxID == "" {
		return false, ErrEmptyTxID
	}
	if !t.Amount.IsPositive() {
		return false, ErrInvalidAmount
	}

	query := `INSERT INTO bridge_transactions (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(tx_id) DO NOTHING`
	stmt, err := st.stmtCache.Prepare(ctx, query)
	if err != nil {
		return false, err
	}

	now := database.ToMillis(st.nowFn())
	res, err := stmt.ExecContext(ctx,
		t.TxID, string(t.Kind), t.Counterparty, t.Destination, t.Amount.String(),
		string(t.SourceAsset), string(t.DestAsset), t.SourceTxRef, "",
		string(StatusPending), false, "", now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (st *StateDB) Get(ctx context.Context, txID string) (*Transaction, bool, error) {
	stmt, err := st.stmtCache.Prepare(ctx, `SELECT`+txColumns+`FROM bridge_transactions WHERE tx_id = ?`)
	if err != nil {
		return nil, false, err
	}

	t, err := scanTransaction(stmt.QueryRowContext(ctx, txID))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Transition moves txID to status to, validating against the current status
// inside one write-locked transaction.
func (st *StateDB) Transition(ctx context.Context, txID string, to Status, reason string) error {
	return database.WithTx(ctx, st.DB(), func(tx *sql.Tx) error {
		return st.transitionTx(ctx, tx, txID, to, reason)
	})
}

func (st *StateDB) transitionTx(ctx context.Context, tx *sql.Tx, txID string, to Status, reason string) error {
	from, err := st.statusTx(ctx, tx, txID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(from, to); err != nil {
		return err
	}

	stmt, err := st.stmtCache.ForTx(ctx, tx,
		`UPDATE bridge_transactions SET status = ?, last_error = ?, updated_at = ? WHERE tx_id = ? AND status = ?`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, string(to), reason, database.ToMillis(st.nowFn()), txID, string(from))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return ErrConcurrentWrite
	}

	logger.WithFields(logger.Fields{
		"txId": txID,
		"from": from,
		"to":   to,
	}).Debug("bridge transaction transition")
	return nil
}

// MarkProcessing claims txID with a single conditional update. Only pending or
// confirmed rows qualify, plus failed rows that are retryable or explicitly
// retried by an operator. It returns the claimed row, or false if the row was
// not in a claimable status.
func (st *StateDB) MarkProcessing(ctx context.Context, txID string, manualRetry bool) (*Transaction, bool, error) {
	query := `UPDATE bridge_transactions SET status = 'processing', last_error = '', updated_at = ?
		WHERE tx_id = ? AND (
			status IN ('pending', 'confirmed')
			OR (status = 'failed' AND (retryable = 1 OR ? = 1))
		)
		RETURNING` + txColumns
	stmt, err := st.stmtCache.Prepare(ctx, query)
	if err != nil {
		return nil, false, err
	}

	t, err := scanTransaction(stmt.QueryRowContext(ctx, database.ToMillis(st.nowFn()), txID, manualRetry))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// MarkProcessedTx records a successful payout inside tx.
func (st *StateDB) MarkProcessedTx(ctx context.Context, tx *sql.Tx, txID, destTxRef string) error {
	stmt, err := st.stmtCache.ForTx(ctx, tx,
		`UPDATE bridge_transactions SET status = 'processed', dest_tx_ref = ?, last_error = '', updated_at = ?
		WHERE tx_id = ? AND status IN ('processing', 'confirmed')`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, destTxRef, database.ToMillis(st.nowFn()), txID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	from, err := st.statusTx(ctx, tx, txID)
	if err != nil {
		return err
	}
	return &TransitionError{From: from, To: StatusProcessed}
}

// MarkFailed moves an open transaction (pending, processing or confirmed) to
// failed. Retryable failures may be claimed again by MarkProcessing. Failing an
// already failed row only refreshes its reason.
func (st *StateDB) MarkFailed(ctx context.Context, txID, reason string, retryable bool) error {
	return database.WithTx(ctx, st.DB(), func(tx *sql.Tx) error {
		from, err := st.statusTx(ctx, tx, txID)
		if err != nil {
			return err
		}
		switch from {
		case StatusFailed:
		case StatusProcessed:
			// processed -> failed goes through Compensate
			return &TransitionError{From: from, To: StatusFailed}
		default:
			if err := ValidateTransition(from, StatusFailed); err != nil {
				return err
			}
		}

		stmt, err := st.stmtCache.ForTx(ctx, tx,
			`UPDATE bridge_transactions SET status = 'failed', retryable = ?, last_error = ?, updated_at = ?
			WHERE tx_id = ? AND status = ?`)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, retryable, reason, database.ToMillis(st.nowFn()), txID, string(from)); err != nil {
			return err
		}

		logger.WithFields(logger.Fields{
			"txId":      txID,
			"from":      from,
			"reason":    reason,
			"retryable": retryable,
		}).Warn("bridge transaction failed")
		return nil
	})
}

// Compensate fails a processed transaction. It is an explicit operator action.
func (st *StateDB) Compensate(ctx context.Context, txID, reason string) error {
	return database.WithTx(ctx, st.DB(), func(tx *sql.Tx) error {
		from, err := st.statusTx(ctx, tx, txID)
		if err != nil {
			return err
		}
		if from != StatusProcessed {
			return &TransitionError{From: from, To: StatusFailed}
		}
		return st.transitionTx(ctx, tx, txID, StatusFailed, reason)
	})
}

// Retry puts a failed transaction back to pending and marks it retryable.
func (st *StateDB) Retry(ctx context.Context, txID string) error {
	return database.WithTx(ctx, st.DB(), func(tx *sql.Tx) error {
		if err := st.transitionTx(ctx, tx, txID, StatusPending, ""); err != nil {
			return err
		}
		stmt, err := st.stmtCache.ForTx(ctx, tx, `UPDATE bridge_transactions SET retryable = 1 WHERE tx_id = ?`)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, txID)
		return err
	})
}

func (st *StateDB) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt, err := st.stmtCache.Prepare(ctx,
		`SELECT`+txColumns+`FROM bridge_transactions WHERE status = ? ORDER BY updated_at ASC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByStatus returns a count for every status, zero included.
func (st *StateDB) CountByStatus(ctx context.Context) (map[Status]int, error) {
	stmt, err := st.stmtCache.Prepare(ctx, `SELECT status, COUNT(*) FROM bridge_transactions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int, len(allStatuses))
	for _, s := range allStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

// SweepStuck fails every transaction that has been processing for longer than
// olderThan and returns their ids. The payout outcome of such rows is unknown,
// so they are not retryable without an operator.
func (st *StateDB) SweepStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := database.ToMillis(st.nowFn().Add(-olderThan))
	var ids []string

	err := database.WithTx(ctx, st.DB(), func(tx *sql.Tx) error {
		stmt, err := st.stmtCache.ForTx(ctx, tx,
			`UPDATE bridge_transactions SET status = 'failed', retryable = 0, last_error = ?, updated_at = ?
			WHERE status = 'processing' AND updated_at < ? RETURNING tx_id`)
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("stuck in processing for more than %s", olderThan)
		rows, err := stmt.QueryContext(ctx, reason, database.ToMillis(st.nowFn()), cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (st *StateDB) statusTx(ctx context.Context, tx *sql.Tx, txID string) (Status, error) {
	stmt, err := st.stmtCache.ForTx(ctx, tx, `SELECT status FROM bridge_transactions WHERE tx_id = ?`)
	if err != nil {
		return "", err
	}
	var s string
	if err := stmt.QueryRowContext(ctx, txID).Scan(&s); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: %s", ErrNotFound, txID)
		}
		return "", err
	}
	return ParseStatus(s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t                              Transaction
		kind, amount, src, dst, status string
		createdAt, updatedAt           int64
	)
	err := row.Scan(
		&t.TxID, &kind, &t.Counterparty, &t.Destination, &amount, &src, &dst,
		&t.SourceTxRef, &t.DestTxRef, &status, &t.Retryable, &t.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if t.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.SourceAsset = agreement.Asset(src)
	t.DestAsset = agreement.Asset(dst)
	t.CreatedAt = database.FromMillis(createdAt)
	t.UpdatedAt = database.FromMillis(updatedAt)
	return &t, nil
}
