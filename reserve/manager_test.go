package reserve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newManager(t *testing.T, btc, zec string) *Manager {
	db, err := database.Open(filepath.Join(t.TempDir(), "reserve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db, Config{
		Bootstrap: map[agreement.Asset]decimal.Decimal{
			agreement.AssetBTC: d(btc),
			agreement.AssetZEC: d(zec),
		},
		CacheTTL: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func countWithdrawals(t *testing.T, m *Manager, asset agreement.Asset) int {
	var n int
	err := m.stmtCache.DB().QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s_withdrawals`, asset.Lower())).Scan(&n)
	require.NoError(t, err)
	return n
}

func withdrawal(id, amount string) Withdrawal {
	return Withdrawal{TxID: id, Destination: "mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT", Amount: d(amount)}
}

// available = 0.5, a request for 0.6 is rejected with shortfall 0.1 and no row.
func TestInsufficientReserve(t *testing.T) {
	m := newManager(t, "0.5", "0")
	ctx := context.Background()

	c, err := m.CheckReserve(ctx, agreement.AssetBTC, d("0.6"))
	require.NoError(t, err)
	assert.False(t, c.Sufficient)
	assert.True(t, d("0.1").Equal(c.Shortfall))
	assert.True(t, d("0.5").Equal(c.Available))

	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("w1", "0.6"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientReserve)
	assert.True(t, resilience.IsTerminal(err))

	var ire *InsufficientReserveError
	require.True(t, errors.As(err, &ire))
	assert.Equal(t, "w1", ire.TxID)
	assert.True(t, d("0.1").Equal(ire.Check.Shortfall))

	assert.Equal(t, 0, countWithdrawals(t, m, agreement.AssetBTC))
}

func TestReserveReducesAvailable(t *testing.T) {
	m := newManager(t, "1", "0")
	ctx := context.Background()

	c, err := m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("w1", "0.4"))
	require.NoError(t, err)
	assert.True(t, c.Sufficient)
	assert.True(t, d("0.6").Equal(c.Available))

	// same transaction again: the open reservation is reused
	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("w1", "0.4"))
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx, agreement.AssetBTC)
	require.NoError(t, err)
	assert.True(t, d("0.6").Equal(snap.Available))
	assert.True(t, d("0.4").Equal(snap.ConfirmedWithdrawals))
	assert.Equal(t, 1, countWithdrawals(t, m, agreement.AssetBTC))

	// other assets are independent
	zec, err := m.Snapshot(ctx, agreement.AssetZEC)
	require.NoError(t, err)
	assert.True(t, zec.Available.IsZero())
}

func TestDepositsCredit(t *testing.T) {
	m := newManager(t, "0", "0")
	ctx := context.Background()

	ok, err := m.RecordDeposit(ctx, agreement.AssetBTC, Deposit{TxID: "d1", Sender: "bc1", Amount: d("0.3")})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.RecordDeposit(ctx, agreement.AssetBTC, Deposit{TxID: "d1", Sender: "bc1", Amount: d("0.3")})
	require.NoError(t, err)
	assert.False(t, ok)

	// pending deposits are not yet collateral
	_, err = m.RecordDeposit(ctx, agreement.AssetBTC, Deposit{TxID: "d2", Amount: d("5"), Status: RowPending})
	require.NoError(t, err)

	c, err := m.CheckReserve(ctx, agreement.AssetBTC, d("0.3"))
	require.NoError(t, err)
	assert.True(t, c.Sufficient)
	assert.True(t, d("0.3").Equal(c.Available))

	err = database.WithTx(ctx, m.stmtCache.DB(), func(tx *sql.Tx) error {
		return m.SettleDepositTx(ctx, tx, agreement.AssetBTC, "d1")
	})
	require.NoError(t, err)
	c, err = m.CheckReserve(ctx, agreement.AssetBTC, d("0.3"))
	require.NoError(t, err)
	assert.True(t, c.Sufficient)
}

func TestSettleAndRelease(t *testing.T) {
	m := newManager(t, "1", "0")
	ctx := context.Background()

	_, err := m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("paid", "0.5"))
	require.NoError(t, err)
	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("failed", "0.5"))
	require.NoError(t, err)

	err = database.WithTx(ctx, m.stmtCache.DB(), func(tx *sql.Tx) error {
		return m.SettleWithdrawalTx(ctx, tx, agreement.AssetBTC, "paid")
	})
	require.NoError(t, err)

	released, err := m.ReleaseWithdrawal(ctx, agreement.AssetBTC, "failed")
	require.NoError(t, err)
	assert.True(t, released)
	released, err = m.ReleaseWithdrawal(ctx, agreement.AssetBTC, "failed")
	require.NoError(t, err)
	assert.False(t, released)

	snap, err := m.Snapshot(ctx, agreement.AssetBTC)
	require.NoError(t, err)
	assert.True(t, d("0.5").Equal(snap.Available))

	// a settled withdrawal can not be reserved twice
	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("paid", "0.5"))
	assert.ErrorIs(t, err, ErrAlreadySettled)

	// a released one can be reserved again
	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("failed", "0.5"))
	require.NoError(t, err)
	w, found, err := m.Withdrawal(ctx, agreement.AssetBTC, "failed")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, RowPending, w.Status)

	err = database.WithTx(ctx, m.stmtCache.DB(), func(tx *sql.Tx) error {
		return m.SettleWithdrawalTx(ctx, tx, agreement.AssetBTC, "unknown")
	})
	assert.ErrorIs(t, err, ErrNoReservation)
}

func TestConcurrentReservationsStaySolvent(t *testing.T) {
	m := newManager(t, "1", "0")
	ctx := context.Background()

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal(fmt.Sprintf("w%d", i), "0.1"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientReserve):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), rejected.Load())

	snap, err := m.Snapshot(ctx, agreement.AssetBTC)
	require.NoError(t, err)
	assert.False(t, snap.Available.IsNegative())
	assert.True(t, snap.Available.IsZero())
}

func TestQuoteIsInvalidatedByReservation(t *testing.T) {
	m := newManager(t, "1", "0")
	ctx := context.Background()

	q, err := m.QuoteAvailable(ctx, agreement.AssetBTC)
	require.NoError(t, err)
	assert.True(t, d("1").Equal(q))

	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("w1", "0.25"))
	require.NoError(t, err)

	q, err = m.QuoteAvailable(ctx, agreement.AssetBTC)
	require.NoError(t, err)
	assert.True(t, d("0.75").Equal(q))
}

func TestUnknownAssetAndBadAmount(t *testing.T) {
	m := newManager(t, "1", "0")
	ctx := context.Background()

	_, err := m.CheckReserve(ctx, agreement.AssetZenBTC, d("1"))
	assert.ErrorIs(t, err, ErrUnknownAsset)

	_, err = m.ReserveForWithdrawal(ctx, agreement.AssetBTC, withdrawal("w", "0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, []agreement.Asset{agreement.AssetBTC, agreement.AssetZEC}, m.Assets())
}
