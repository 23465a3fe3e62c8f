// Package transfermeta stores the declared intent of transfers, written by
// whoever initiates a transfer and read by the listener that observes it.
package transfermeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/shopspring/decimal"
)

var (
	ErrConflictingMetadata = errors.New("conflicting transfer metadata already recorded")
	ErrEmptySignature      = errors.New("empty chain tx signature")
)

const transferMetadataTable = `CREATE TABLE IF NOT EXISTS transfer_metadata (
	chain_tx_signature TEXT PRIMARY KEY NOT NULL,
	transfer_type TEXT NOT NULL,
	expected_counterparty TEXT NOT NULL,
	expected_amount TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	CONSTRAINT chk_transfer_type CHECK (transfer_type IN ('redemption', 'refund', 'funding', 'admin', 'test'))
);`

type Store struct {
	stmtCache *database.StmtCache
	nowFn     func() time.Time
}

func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(transferMetadataTable); err != nil {
		return nil, err
	}
	return &Store{
		stmtCache: database.NewStmtCache(db),
		nowFn:     time.Now,
	}, nil
}

func (s *Store) Close() {
	s.stmtCache.Clear()
}

// Put records m. Writing the same record twice is fine; rewriting it with
// different values is rejected.
func (s *Store) Put(ctx context.Context, m *agreement.TransferMetadata) error {
	if m.ChainTxSignature == "" {
		return ErrEmptySignature
	}
	if _, err := agreement.ParseTransferType(string(m.TransferType)); err != nil {
		return err
	}

	stmt, err := s.stmtCache.Prepare(ctx, `
		INSERT INTO transfer_metadata (chain_tx_signature, transfer_type, expected_counterparty, expected_amount, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(chain_tx_signature) DO NOTHING`)
	if err != nil {
		return err
	}
	at := m.CreatedAt
	if at.IsZero() {
		at = s.nowFn()
	}
	res, err := stmt.ExecContext(ctx, m.ChainTxSignature, string(m.TransferType), m.ExpectedCounterparty,
		m.ExpectedAmount.String(), database.ToMillis(at))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	old, _, err := s.Get(ctx, m.ChainTxSignature)
	if err != nil {
		return err
	}
	if old.TransferType != m.TransferType ||
		!strings.EqualFold(old.ExpectedCounterparty, m.ExpectedCounterparty) ||
		!old.ExpectedAmount.Equal(m.ExpectedAmount) {
		return fmt.Errorf("%w: %s", ErrConflictingMetadata, m.ChainTxSignature)
	}
	return nil
}

// Get returns false when nothing was declared for signature.
func (s *Store) Get(ctx context.Context, signature string) (*agreement.TransferMetadata, bool, error) {
	stmt, err := s.stmtCache.Prepare(ctx, `
		SELECT chain_tx_signature, transfer_type, expected_counterparty, expected_amount, created_at
		FROM transfer_metadata WHERE chain_tx_signature = ?`)
	if err != nil {
		return nil, false, err
	}

	var (
		m           agreement.TransferMetadata
		typ, amount string
		createdAt   int64
	)
	err = stmt.QueryRowContext(ctx, signature).Scan(&m.ChainTxSignature, &typ, &m.ExpectedCounterparty, &amount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if m.ExpectedAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, false, err
	}
	m.TransferType = agreement.TransferType(typ)
	m.CreatedAt = database.FromMillis(createdAt)
	return &m, true, nil
}

// FromJSON parses an API payload.
func FromJSON(j *agreement.JSONTransferMetadata) (*agreement.TransferMetadata, error) {
	typ, err := agreement.ParseTransferType(j.TransferType)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(j.ExpectedAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount %q: %w", j.ExpectedAmount, err)
	}
	if j.ChainTxSignature == "" {
		return nil, ErrEmptySignature
	}
	return &agreement.TransferMetadata{
		ChainTxSignature:     j.ChainTxSignature,
		TransferType:         typ,
		ExpectedCounterparty: j.ExpectedCounterparty,
		ExpectedAmount:       amount,
	}, nil
}
