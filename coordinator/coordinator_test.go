package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCoordinator(t *testing.T) (*Coordinator, *clock) {
	db, err := database.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c, err := New(db, 30*time.Minute)
	require.NoError(t, err)
	c.WithClock(clk.Now)
	t.Cleanup(c.Close)
	return c, clk
}

// W1 holds the lock, W2 is refused and does nothing.
func TestSecondWorkerRefused(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	ok, err := c.CanProcess(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.MarkProcessing(ctx, "L1", "W1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CanProcess(ctx, "L1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.MarkProcessing(ctx, "L1", "W2")
	require.NoError(t, err)
	assert.False(t, ok)

	lock, found, err := c.Get(ctx, "L1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "W1", lock.Owner)
	assert.Equal(t, StateProcessing, lock.State)

	_, err = c.MarkProcessing(ctx, "L1", "")
	assert.Equal(t, ErrEmptyOwner, err)
}

func TestConcurrentClaimsExclusive(t *testing.T) {
	c, _ := newCoordinator(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := c.MarkProcessing(context.Background(), "L1", fmt.Sprintf("W%d", i))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseAllowsAnotherAttempt(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.MarkProcessing(ctx, "L1", "W1")
	require.NoError(t, err)

	released, err := c.Release(ctx, "L1", "W2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = c.Release(ctx, "L1", "W1")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err := c.MarkProcessing(ctx, "L1", "W1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompletedIsTerminal(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	_, err := c.MarkProcessing(ctx, "L1", "W1")
	require.NoError(t, err)
	require.NoError(t, c.MarkCompleted(ctx, "L1", "W1"))

	ok, err := c.CanProcess(ctx, "L1")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(time.Hour)
	ok, err = c.MarkProcessing(ctx, "L1", "W2")
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := c.Release(ctx, "L1", "W1")
	require.NoError(t, err)
	assert.False(t, released)

	lock, _, err := c.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, lock.State)
	assert.False(t, lock.CompletedAt.IsZero())
}

func TestAbandonedLockTakeover(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	_, err := c.MarkProcessing(ctx, "L1", "W1")
	require.NoError(t, err)

	clk.Advance(29 * time.Minute)
	ok, err := c.MarkProcessing(ctx, "L1", "W2")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	ok, err = c.CanProcess(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.MarkProcessing(ctx, "L1", "W2")
	require.NoError(t, err)
	assert.True(t, ok)

	lock, _, err := c.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "W2", lock.Owner)
}

func TestExpireStale(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	_, err := c.MarkProcessing(ctx, "old", "W1")
	require.NoError(t, err)
	clk.Advance(31 * time.Minute)
	_, err = c.MarkProcessing(ctx, "new", "W1")
	require.NoError(t, err)

	n, err := c.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	lock, _, err := c.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, lock.State)

	ok, err := c.MarkProcessing(ctx, "old", "W2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorageErrorIsFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS service_coordination").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO service_coordination").
		ExpectExec().WillReturnError(errors.New("database is locked"))

	c, err := New(db, time.Minute)
	require.NoError(t, err)

	ok, err := c.MarkProcessing(context.Background(), "L1", "W1")
	assert.False(t, ok)
	assert.True(t, resilience.IsFatal(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
