// Package coordinator is a row-backed mutex over logical transaction ids, so
// several workers can run against the same chain without settling twice.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/resilience"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrEmptyOwner = errors.New("empty coordination owner")
)

type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
)

const coordinationTable = `CREATE TABLE IF NOT EXISTS service_coordination (
	logical_id TEXT PRIMARY KEY NOT NULL,
	owner TEXT NOT NULL,
	state TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	CONSTRAINT chk_state CHECK (state IN ('processing', 'completed', 'timed_out'))
);
CREATE INDEX IF NOT EXISTS idx_service_coordination_state ON service_coordination (state, started_at);`

type Lock struct {
	LogicalID   string
	Owner       string
	State       State
	StartedAt   time.Time
	CompletedAt time.Time
}

type Coordinator struct {
	stmtCache *database.StmtCache
	timeout   time.Duration
	nowFn     func() time.Time
}

// New creates the coordinator. A processing lock older than timeout is
// considered abandoned and may be taken over.
func New(db *sql.DB, timeout time.Duration) (*Coordinator, error) {
	if _, err := db.Exec(coordinationTable); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Coordinator{
		stmtCache: database.NewStmtCache(db),
		timeout:   timeout,
		nowFn:     time.Now,
	}, nil
}

// WithClock replaces the clock, for tests.
func (c *Coordinator) WithClock(nowFn func() time.Time) *Coordinator {
	c.nowFn = nowFn
	return c
}

func (c *Coordinator) Close() {
	c.stmtCache.Clear()
}

func (c *Coordinator) cutoff() int64 {
	return database.ToMillis(c.nowFn().Add(-c.timeout))
}

// CanProcess is advisory: only MarkProcessing decides. Errors are fatal.
func (c *Coordinator) CanProcess(ctx context.Context, logicalID string) (bool, error) {
	lock, found, err := c.Get(ctx, logicalID)
	if err != nil {
		return false, resilience.Fatal(err)
	}
	if !found {
		return true, nil
	}

	switch lock.State {
	case StateCompleted:
		return false, nil
	case StateProcessing:
		return database.ToMillis(lock.StartedAt) < c.cutoff(), nil
	}
	return true, nil
}

// MarkProcessing claims logicalID for owner with one conditional upsert. It
// fails (false) while another owner holds a live lock or the transaction is completed.
func (c *Coordinator) MarkProcessing(ctx context.Context, logicalID, owner string) (bool, error) {
	if owner == "" {
		return false, ErrEmptyOwner
	}
	stmt, err := c.stmtCache.Prepare(ctx, `
		INSERT INTO service_coordination (logical_id, owner, state, started_at, completed_at)
		VALUES (?, ?, 'processing', ?, 0)
		ON CONFLICT(logical_id) DO UPDATE SET
			owner = excluded.owner,
			state = 'processing',
			started_at = excluded.started_at,
			completed_at = 0
		WHERE service_coordination.state = 'timed_out'
			OR (service_coordination.state = 'processing' AND service_coordination.started_at < ?)`)
	if err != nil {
		return false, resilience.Fatal(err)
	}

	res, err := stmt.ExecContext(ctx, logicalID, owner, database.ToMillis(c.nowFn()), c.cutoff())
	if err != nil {
		return false, resilience.Fatal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, resilience.Fatal(err)
	}
	return n == 1, nil
}

// MarkCompleted records that logicalID is settled. Completion is terminal.
func (c *Coordinator) MarkCompleted(ctx context.Context, logicalID, owner string) error {
	return database.WithTx(ctx, c.stmtCache.DB(), func(tx *sql.Tx) error {
		return c.MarkCompletedTx(ctx, tx, logicalID, owner)
	})
}

// MarkCompletedTx is MarkCompleted inside tx. It does not check ownership:
// once the settlement commits, the lock is completed whoever holds it.
func (c *Coordinator) MarkCompletedTx(ctx context.Context, tx *sql.Tx, logicalID, owner string) error {
	stmt, err := c.stmtCache.ForTx(ctx, tx, `
		INSERT INTO service_coordination (logical_id, owner, state, started_at, completed_at)
		VALUES (?, ?, 'completed', ?, ?)
		ON CONFLICT(logical_id) DO UPDATE SET
			state = 'completed',
			completed_at = excluded.completed_at`)
	if err != nil {
		return err
	}
	now := database.ToMillis(c.nowFn())
	_, err = stmt.ExecContext(ctx, logicalID, owner, now, now)
	return err
}

// Release drops owner's processing lock so the transaction can be attempted
// again. It returns false if owner did not hold it.
func (c *Coordinator) Release(ctx context.Context, logicalID, owner string) (bool, error) {
	stmt, err := c.stmtCache.Prepare(ctx,
		`DELETE FROM service_coordination WHERE logical_id = ? AND owner = ? AND state = 'processing'`)
	if err != nil {
		return false, err
	}
	res, err := stmt.ExecContext(ctx, logicalID, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireStale marks abandoned processing locks as timed out.
func (c *Coordinator) ExpireStale(ctx context.Context) (int64, error) {
	stmt, err := c.stmtCache.Prepare(ctx,
		`UPDATE service_coordination SET state = 'timed_out' WHERE state = 'processing' AND started_at < ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, c.cutoff())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.WithField("count", n).Warn("expired abandoned coordination locks")
	}
	return n, nil
}

func (c *Coordinator) Get(ctx context.Context, logicalID string) (*Lock, bool, error) {
	stmt, err := c.stmtCache.Prepare(ctx,
		`SELECT logical_id, owner, state, started_at, completed_at FROM service_coordination WHERE logical_id = ?`)
	if err != nil {
		return nil, false, err
	}

	var (
		l                      Lock
		state                  string
		startedAt, completedAt int64
	)
	err = stmt.QueryRowContext(ctx, logicalID).Scan(&l.LogicalID, &l.Owner, &state, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	l.State = State(state)
	l.StartedAt = database.FromMillis(startedAt)
	l.CompletedAt = database.FromMillis(completedAt)
	return &l, true, nil
}
