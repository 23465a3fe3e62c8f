package transfermeta

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	db, err := database.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func redemption(sig string) *agreement.TransferMetadata {
	return &agreement.TransferMetadata{
		ChainTxSignature:     sig,
		TransferType:         agreement.TransferRedemption,
		ExpectedCounterparty: "0xAbC1",
		ExpectedAmount:       decimal.RequireFromString("0.5"),
	}
}

func TestPutGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, redemption("S1")))
	got, found, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, agreement.TransferRedemption, got.TransferType)
	assert.Equal(t, "0xAbC1", got.ExpectedCounterparty)
	assert.Equal(t, "0.5", got.ExpectedAmount.String())
	assert.False(t, got.CreatedAt.IsZero())
}

func TestPutIsInsertOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, redemption("S1")))
	// same declaration, counterparty case differs
	same := redemption("S1")
	same.ExpectedCounterparty = "0xabc1"
	require.NoError(t, s.Put(ctx, same))

	changed := redemption("S1")
	changed.ExpectedAmount = decimal.RequireFromString("5")
	assert.ErrorIs(t, s.Put(ctx, changed), ErrConflictingMetadata)

	refund := redemption("S1")
	refund.TransferType = agreement.TransferRefund
	assert.ErrorIs(t, s.Put(ctx, refund), ErrConflictingMetadata)
}

func TestPutValidates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	assert.Equal(t, ErrEmptySignature, s.Put(ctx, redemption("")))

	bad := redemption("S1")
	bad.TransferType = "airdrop"
	assert.Error(t, s.Put(ctx, bad))
}

func TestFromJSON(t *testing.T) {
	m, err := FromJSON(&agreement.JSONTransferMetadata{
		ChainTxSignature:     "S1",
		TransferType:         "Funding",
		ExpectedCounterparty: "ops",
		ExpectedAmount:       "1.25",
	})
	require.NoError(t, err)
	assert.Equal(t, agreement.TransferFunding, m.TransferType)

	_, err = FromJSON(&agreement.JSONTransferMetadata{ChainTxSignature: "S1", TransferType: "redemption", ExpectedAmount: "x"})
	assert.Error(t, err)
}
