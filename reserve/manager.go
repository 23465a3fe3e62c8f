// Package reserve keeps the bridge solvent.
//
// For every collateral asset there is a <asset>_deposits and a
// <asset>_withdrawals table. The available reserve is
//
//	bootstrap + deposits(confirmed, processed) - withdrawals(pending, confirmed, processed)
//
// and is always recomputed inside a write-locked transaction before a
// withdrawal row is inserted. The inserted row is the reservation.
package reserve

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/cache"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/metrics"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const reserveTables = `
	CREATE TABLE IF NOT EXISTS %[1]s_deposits (
		tx_id TEXT PRIMARY KEY NOT NULL,
		sender TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CONSTRAINT chk_status CHECK (status IN ('pending', 'confirmed', 'processed', 'failed'))
	);
	CREATE TABLE IF NOT EXISTS %[1]s_withdrawals (
		tx_id TEXT PRIMARY KEY NOT NULL,
		destination TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CONSTRAINT chk_status CHECK (status IN ('pending', 'confirmed', 'processed', 'failed'))
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_deposits_status ON %[1]s_deposits (status);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_withdrawals_status ON %[1]s_withdrawals (status);`

type Config struct {
	// Bootstrap is the collateral held before the bridge started recording.
	// Only assets listed here have a reserve.
	Bootstrap map[agreement.Asset]decimal.Decimal
	CacheSize int
	CacheTTL  time.Duration
}

type Manager struct {
	stmtCache *database.StmtCache
	bootstrap map[agreement.Asset]decimal.Decimal
	quotes    *cache.Cache[agreement.Asset, decimal.Decimal]
	nowFn     func() time.Time
}

func NewManager(db *sql.DB, cfg Config) (*Manager, error) {
	bootstrap := make(map[agreement.Asset]decimal.Decimal, len(cfg.Bootstrap))
	for asset, amount := range cfg.Bootstrap {
		if _, err := agreement.ParseAsset(string(asset)); err != nil {
			return nil, err
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("negative bootstrap reserve for %s", asset)
		}
		if _, err := db.Exec(fmt.Sprintf(reserveTables, asset.Lower())); err != nil {
			return nil, err
		}
		bootstrap[asset] = amount
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 16
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}

	return &Manager{
		stmtCache: database.NewStmtCache(db),
		bootstrap: bootstrap,
		quotes:    cache.New[agreement.Asset, decimal.Decimal](cfg.CacheSize, cfg.CacheTTL),
		nowFn:     time.Now,
	}, nil
}

func (m *Manager) Close() {
	m.stmtCache.Clear()
}

// Assets lists the assets with a reserve, sorted.
func (m *Manager) Assets() []agreement.Asset {
	out := make([]agreement.Asset, 0, len(m.bootstrap))
	for a := range m.bootstrap {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) table(asset agreement.Asset, kind string) (string, error) {
	if _, ok := m.bootstrap[asset]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return asset.Lower() + "_" + kind, nil
}

// CheckReserve reports whether amount of asset could be reserved right now.
func (m *Manager) CheckReserve(ctx context.Context, asset agreement.Asset, amount decimal.Decimal) (Check, error) {
	var c Check
	err := database.WithTx(ctx, m.stmtCache.DB(), func(tx *sql.Tx) error {
		snap, err := m.snapshotTx(ctx, tx, asset)
		if err != nil {
			return err
		}
		c = snap.check(amount)
		return nil
	})
	return c, err
}

// ReserveForWithdrawal locks the reserve, recomputes it and inserts the
// withdrawal row if the reserve covers it. A reservation that is already open
// for w.TxID is returned as is. A failed row for w.TxID is revived.
func (m *Manager) ReserveForWithdrawal(ctx context.Context, asset agreement.Asset, w Withdrawal) (Check, error) {
	if !w.Amount.IsPositive() {
		return Check{}, resilience.Terminal(ErrInvalidAmount)
	}
	table, err := m.table(asset, "withdrawals")
	if err != nil {
		return Check{}, resilience.Terminal(err)
	}

	var c Check
	err = database.WithTx(ctx, m.stmtCache.DB(), func(tx *sql.Tx) error {
		status, found, err := m.rowStatusTx(ctx, tx, table, w.TxID)
		if err != nil {
			return err
		}
		if found {
			switch status {
			case RowPending, RowConfirmed:
				// already reserved, the row is part of the snapshot
				snap, err := m.snapshotTx(ctx, tx, asset)
				if err != nil {
					return err
				}
				c = snap.check(decimal.Zero)
				c.Requested = w.Amount
				return nil
			case RowProcessed:
				return resilience.Terminal(fmt.Errorf("%w: %s", ErrAlreadySettled, w.TxID))
			}
		}

		snap, err := m.snapshotTx(ctx, tx, asset)
		if err != nil {
			return err
		}
		c = snap.check(w.Amount)
		if !c.Sufficient {
			return resilience.Terminal(&InsufficientReserveError{TxID: w.TxID, Check: c})
		}

		stmt, err := m.stmtCache.ForTx(ctx, tx, fmt.Sprintf(`
			INSERT INTO %s (tx_id, destination, amount, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
			ON CONFLICT(tx_id) DO UPDATE SET
				destination = excluded.destination,
				amount = excluded.amount,
				status = 'pending',
				updated_at = excluded.updated_at
			WHERE status = 'failed'`, table))
		if err != nil {
			return err
		}
		now := database.ToMillis(m.nowFn())
		if _, err := stmt.ExecContext(ctx, w.TxID, w.Destination, w.Amount.String(), now, now); err != nil {
			return err
		}
		c.Available = c.Available.Sub(w.Amount)
		return nil
	})
	if err != nil {
		return c, err
	}

	m.invalidate(asset, c.Available)
	logger.WithFields(logger.Fields{
		"asset":     asset,
		"txId":      w.TxID,
		"amount":    w.Amount.String(),
		"available": c.Available.String(),
	}).Info("reserved collateral for withdrawal")
	return c, nil
}

// RecordDeposit credits the reserve. It returns false if the deposit was already recorded.
func (m *Manager) RecordDeposit(ctx context.Context, asset agreement.Asset, d Deposit) (bool, error) {
	if !d.Amount.IsPositive() {
		return false, resilience.Terminal(ErrInvalidAmount)
	}
	table, err := m.table(asset, "deposits")
	if err != nil {
		return false, resilience.Terminal(err)
	}
	if d.Status == "" {
		d.Status = RowConfirmed
	}

	stmt, err := m.stmtCache.Prepare(ctx, fmt.Sprintf(`
		INSERT INTO %s (tx_id, sender, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(tx_id) DO NOTHING`, table))
	if err != nil {
		return false, err
	}
	now := database.ToMillis(m.nowFn())
	res, err := stmt.ExecContext(ctx, d.TxID, d.Sender, d.Amount.String(), string(d.Status), now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	m.quotes.Remove(asset)
	return n == 1, nil
}

// SettleWithdrawalTx marks the reservation of txID as paid out, inside tx.
func (m *Manager) SettleWithdrawalTx(ctx context.Context, tx *sql.Tx, asset agreement.Asset, txID string) error {
	return m.settleTx(ctx, tx, asset, "withdrawals", txID)
}

// SettleDepositTx marks the deposit of txID as minted on the account chain, inside tx.
func (m *Manager) SettleDepositTx(ctx context.Context, tx *sql.Tx, asset agreement.Asset, txID string) error {
	return m.settleTx(ctx, tx, asset, "deposits", txID)
}

func (m *Manager) settleTx(ctx context.Context, tx *sql.Tx, asset agreement.Asset, kind, txID string) error {
	table, err := m.table(asset, kind)
	if err != nil {
		return err
	}
	stmt, err := m.stmtCache.ForTx(ctx, tx, fmt.Sprintf(
		`UPDATE %s SET status = 'processed', updated_at = ? WHERE tx_id = ? AND status IN ('pending', 'confirmed')`, table))
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, database.ToMillis(m.nowFn()), txID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s %s", ErrNoReservation, table, txID)
	}
	return nil
}

// ReleaseWithdrawal gives the reservation of txID back. It returns false if
// there was no open reservation.
func (m *Manager) ReleaseWithdrawal(ctx context.Context, asset agreement.Asset, txID string) (bool, error) {
	table, err := m.table(asset, "withdrawals")
	if err != nil {
		return false, err
	}
	stmt, err := m.stmtCache.Prepare(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'failed', updated_at = ? WHERE tx_id = ? AND status IN ('pending', 'confirmed')`, table))
	if err != nil {
		return false, err
	}
	res, err := stmt.ExecContext(ctx, database.ToMillis(m.nowFn()), txID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	m.quotes.Remove(asset)
	if n == 1 {
		logger.WithFields(logger.Fields{
			"asset": asset,
			"txId":  txID,
		}).Info("released withdrawal reservation")
	}
	return n == 1, nil
}

// Withdrawal returns the withdrawal row of txID.
func (m *Manager) Withdrawal(ctx context.Context, asset agreement.Asset, txID string) (*Withdrawal, bool, error) {
	table, err := m.table(asset, "withdrawals")
	if err != nil {
		return nil, false, err
	}
	stmt, err := m.stmtCache.Prepare(ctx, fmt.Sprintf(
		`SELECT tx_id, destination, amount, status, created_at FROM %s WHERE tx_id = ?`, table))
	if err != nil {
		return nil, false, err
	}

	var (
		w              Withdrawal
		amount, status string
		createdAt      int64
	)
	err = stmt.QueryRowContext(ctx, txID).Scan(&w.TxID, &w.Destination, &amount, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, false, err
	}
	w.Status = RowStatus(status)
	w.CreatedAt = database.FromMillis(createdAt)
	return &w, true, nil
}

// Snapshot computes the reserve of asset from the database.
func (m *Manager) Snapshot(ctx context.Context, asset agreement.Asset) (*Snapshot, error) {
	var snap *Snapshot
	err := database.WithTx(ctx, m.stmtCache.DB(), func(tx *sql.Tx) error {
		var err error
		snap, err = m.snapshotTx(ctx, tx, asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.quotes.Add(asset, snap.Available)
	return snap, nil
}

// QuoteAvailable is an advisory, possibly stale, figure for display. Decisions
// must go through CheckReserve or ReserveForWithdrawal.
func (m *Manager) QuoteAvailable(ctx context.Context, asset agreement.Asset) (decimal.Decimal, error) {
	if v, ok := m.quotes.Get(asset); ok {
		return v, nil
	}
	snap, err := m.Snapshot(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Available, nil
}

func (m *Manager) invalidate(asset agreement.Asset, available decimal.Decimal) {
	m.quotes.Remove(asset)
	metrics.ReserveAvailable.WithLabelValues(string(asset)).Set(available.InexactFloat64())
}

func (m *Manager) snapshotTx(ctx context.Context, tx *sql.Tx, asset agreement.Asset) (*Snapshot, error) {
	bootstrap, ok := m.bootstrap[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	table := asset.Lower()

	deposits, err := m.sumTx(ctx, tx, fmt.Sprintf(
		`SELECT amount FROM %s_deposits WHERE status IN ('confirmed', 'processed')`, table))
	if err != nil {
		return nil, err
	}
	withdrawals, err := m.sumTx(ctx, tx, fmt.Sprintf(
		`SELECT amount FROM %s_withdrawals WHERE status IN ('pending', 'confirmed', 'processed')`, table))
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Asset:                asset,
		Bootstrap:            bootstrap,
		ConfirmedDeposits:    deposits,
		ConfirmedWithdrawals: withdrawals,
		Available:            bootstrap.Add(deposits).Sub(withdrawals),
	}, nil
}

// Amounts are stored as decimal text, so the sum is done here rather than in SQL.
func (m *Manager) sumTx(ctx context.Context, tx *sql.Tx, query string) (decimal.Decimal, error) {
	stmt, err := m.stmtCache.ForTx(ctx, tx, query)
	if err != nil {
		return decimal.Zero, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

func (m *Manager) rowStatusTx(ctx context.Context, tx *sql.Tx, table, txID string) (RowStatus, bool, error) {
	stmt, err := m.stmtCache.ForTx(ctx, tx, fmt.Sprintf(`SELECT status FROM %s WHERE tx_id = ?`, table))
	if err != nil {
		return "", false, err
	}
	var s string
	err = stmt.QueryRowContext(ctx, txID).Scan(&s)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return RowStatus(s), true, nil
}
