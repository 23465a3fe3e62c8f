// Package eventledger records which chain events have been handled.
//
// The processed_events table is the authority. The in-memory cache only holds
// positive answers, and only after they are committed, so a miss always goes
// to the database.
package eventledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/cache"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptySignature = errors.New("empty event signature")
)

const processedEventsTable = `CREATE TABLE IF NOT EXISTS processed_events (
	signature TEXT PRIMARY KEY NOT NULL,
	event_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	amount TEXT NOT NULL,
	processed_at INTEGER NOT NULL,
	CONSTRAINT chk_signature CHECK (signature != '')
);`

const (
	queryIsProcessed = `SELECT 1 FROM processed_events WHERE signature = ?`
	queryInsert      = `INSERT INTO processed_events (signature, event_type, subject, amount, processed_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(signature) DO NOTHING`
	queryGet = `SELECT signature, event_type, subject, amount, processed_at FROM processed_events WHERE signature = ?`
)

type ProcessedEvent struct {
	Signature   string
	EventType   agreement.EventType
	Subject     string
	Amount      decimal.Decimal
	ProcessedAt time.Time
}

func FromChainEvent(ev agreement.ChainEvent) ProcessedEvent {
	return ProcessedEvent{
		Signature: ev.Signature,
		EventType: ev.Type,
		Subject:   ev.Subject,
		Amount:    ev.Amount,
	}
}

type Ledger struct {
	stmtCache *database.StmtCache
	seen      *cache.Cache[string, struct{}]
	nowFn     func() time.Time
}

func NewLedger(db *sql.DB, cacheSize int, cacheTTL time.Duration) (*Ledger, error) {
	if _, err := db.Exec(processedEventsTable); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}

	return &Ledger{
		stmtCache: database.NewStmtCache(db),
		seen:      cache.New[string, struct{}](cacheSize, cacheTTL),
		nowFn:     time.Now,
	}, nil
}

func (l *Ledger) Close() {
	l.stmtCache.Clear()
}

// IsProcessed reports whether the event was handled. Storage failures are
// fatal: the caller must not treat them as "not processed".
func (l *Ledger) IsProcessed(ctx context.Context, signature string) (bool, error) {
	if _, ok := l.seen.Get(signature); ok {
		return true, nil
	}

	stmt, err := l.stmtCache.Prepare(ctx, queryIsProcessed)
	if err != nil {
		return false, resilience.Fatal(fmt.Errorf("is processed %s: %w", signature, err))
	}

	var one int
	err = stmt.QueryRowContext(ctx, signature).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, resilience.Fatal(fmt.Errorf("is processed %s: %w", signature, err))
	}

	l.seen.Add(signature, struct{}{})
	return true, nil
}

// MarkProcessed records the event in its own transaction. It returns false
// when the event was already recorded.
func (l *Ledger) MarkProcessed(ctx context.Context, ev ProcessedEvent) (bool, error) {
	var inserted bool
	err := database.WithTx(ctx, l.stmtCache.DB(), func(tx *sql.Tx) error {
		var err error
		inserted, err = l.MarkProcessedTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return false, err
	}
	l.Remember(ev.Signature)
	return inserted, nil
}

// MarkProcessedTx records the event inside tx. The cache is left alone; call
// Remember once tx has committed.
func (l *Ledger) MarkProcessedTx(ctx context.Context, tx *sql.Tx, ev ProcessedEvent) (bool, error) {
	if ev.Signature == "" {
		return false, resilience.Terminal(ErrEmptySignature)
	}
	at := ev.ProcessedAt
	if at.IsZero() {
		at = l.nowFn()
	}

	stmt, err := l.stmtCache.ForTx(ctx, tx, queryInsert)
	if err != nil {
		return false, err
	}
	res, err := stmt.ExecContext(ctx, ev.Signature, string(ev.EventType), ev.Subject, ev.Amount.String(), database.ToMillis(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Remember caches a committed signature.
func (l *Ledger) Remember(signature string) {
	l.seen.Add(signature, struct{}{})
}

func (l *Ledger) Get(ctx context.Context, signature string) (*ProcessedEvent, bool, error) {
	stmt, err := l.stmtCache.Prepare(ctx, queryGet)
	if err != nil {
		return nil, false, err
	}

	var (
		ev     ProcessedEvent
		evType string
		amount string
		at     int64
	)
	err = stmt.QueryRowContext(ctx, signature).Scan(&ev.Signature, &evType, &ev.Subject, &amount, &at)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ev.EventType = agreement.EventType(evType)
	if ev.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, false, err
	}
	ev.ProcessedAt = database.FromMillis(at)
	return &ev, true, nil
}
