package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/gateway"
	"github.com/TEENet-io/zenz-bridge/privacy"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/TEENet-io/zenz-bridge/transfermeta"
)

var (
	ErrMissingOracle = errors.New("encrypted destination but no privacy oracle configured")
)

// Direction is what differs between the ways value crosses the bridge.
type Direction interface {
	Name() string
	EventType() agreement.EventType

	// Intent resolves what the event asks for. A non empty skip reason means
	// the event is recognized but must not be settled.
	Intent(ctx context.Context, ev agreement.ChainEvent) (in *Intent, skip string, err error)

	// Reserve makes the collateral side of the intent durable before payout.
	Reserve(ctx context.Context, in *Intent) error
	// Release undoes Reserve after a failed payout.
	Release(ctx context.Context, in *Intent) error
	Payout(ctx context.Context, in *Intent) (string, error)
	// SettleTx finalizes the collateral row inside the settlement transaction.
	SettleTx(ctx context.Context, tx *sql.Tx, in *Intent) error
}

func openDestination(oracle privacy.Oracle, ev agreement.ChainEvent) (string, error) {
	if !ev.Encrypted {
		return ev.Destination, nil
	}
	if oracle == nil {
		return "", resilience.Terminal(ErrMissingOracle)
	}
	return oracle.Decrypt(ev.Destination)
}

// Redemption pays out collateral (BTC or ZEC) for wrapped tokens burned on
// the account chain. Every redemption must be announced in transfer metadata.
type Redemption struct {
	event   agreement.EventType
	wrapped agreement.Asset
	meta    *transfermeta.Store
	oracle  privacy.Oracle
	reserve *reserve.Manager
	payouts *gateway.Payouts
}

// NewRedemption creates the redemption direction for payouts.Asset(). oracle may
// be nil when destinations are never encrypted.
func NewRedemption(
	meta *transfermeta.Store,
	oracle privacy.Oracle,
	rm *reserve.Manager,
	payouts *gateway.Payouts,
) (*Redemption, error) {
	r := &Redemption{
		meta:    meta,
		oracle:  oracle,
		reserve: rm,
		payouts: payouts,
	}
	switch payouts.Asset() {
	case agreement.AssetBTC:
		r.event, r.wrapped = agreement.EventBurnForBTC, agreement.AssetZenBTC
	case agreement.AssetZEC:
		r.event, r.wrapped = agreement.EventBurnForZEC, agreement.AssetZenZEC
	default:
		return nil, fmt.Errorf("no redemption path for %s", payouts.Asset())
	}
	return r, nil
}

func (r *Redemption) Name() string {
	return "redeem_" + r.payouts.Asset().Lower()
}

func (r *Redemption) EventType() agreement.EventType {
	return r.event
}

func (r *Redemption) Intent(ctx context.Context, ev agreement.ChainEvent) (*Intent, string, error) {
	meta, found, err := r.meta.Get(ctx, ev.Signature)
	if err != nil {
		return nil, "", resilience.Fatal(err)
	}
	if !found {
		return nil, "no transfer metadata", nil
	}
	if meta.TransferType != agreement.TransferRedemption {
		return nil, fmt.Sprintf("transfer type %s is not a redemption", meta.TransferType), nil
	}
	if !strings.EqualFold(meta.ExpectedCounterparty, ev.Subject) {
		return nil, fmt.Sprintf("counterparty %s does not match expected %s", ev.Subject, meta.ExpectedCounterparty), nil
	}
	if !meta.ExpectedAmount.Equal(ev.Amount) {
		return nil, fmt.Sprintf("amount %s does not match expected %s", ev.Amount, meta.ExpectedAmount), nil
	}

	dest, err := openDestination(r.oracle, ev)
	if err != nil {
		return nil, "", err
	}
	if err := r.payouts.Validate(dest, ev.Amount); err != nil {
		return nil, "", err
	}

	return &Intent{
		LogicalID:         ev.Signature,
		Kind:              state.KindWithdrawal,
		Counterparty:      ev.Subject,
		Destination:       dest,
		StoredDestination: ev.Destination,
		Amount:            ev.Amount,
		SourceAsset:       r.wrapped,
		DestAsset:         r.payouts.Asset(),
		PayoutRequired:    true,
	}, "", nil
}

func (r *Redemption) Reserve(ctx context.Context, in *Intent) error {
	_, err := r.reserve.ReserveForWithdrawal(ctx, in.DestAsset, reserve.Withdrawal{
		TxID:        in.LogicalID,
		Destination: in.StoredDestination,
		Amount:      in.Amount,
	})
	return err
}

func (r *Redemption) Release(ctx context.Context, in *Intent) error {
	_, err := r.reserve.ReleaseWithdrawal(ctx, in.DestAsset, in.LogicalID)
	return err
}

func (r *Redemption) Payout(ctx context.Context, in *Intent) (string, error) {
	return r.payouts.Send(ctx, in.Destination, in.Amount)
}

func (r *Redemption) SettleTx(ctx context.Context, tx *sql.Tx, in *Intent) error {
	return r.reserve.SettleWithdrawalTx(ctx, tx, in.DestAsset, in.LogicalID)
}

// Deposit credits collateral received on the UTXO or shielded chain and mints
// the wrapped asset to the account named in the deposit memo. Deposits that
// transfer metadata marks as treasury movements only credit the reserve.
type Deposit struct {
	event      agreement.EventType
	collateral agreement.Asset
	meta       *transfermeta.Store
	oracle     privacy.Oracle
	reserve    *reserve.Manager
	mints      *gateway.Payouts
}

// NewDeposit creates the deposit direction for collateral. mints sends the
// wrapped asset on the account chain.
func NewDeposit(
	collateral agreement.Asset,
	meta *transfermeta.Store,
	oracle privacy.Oracle,
	rm *reserve.Manager,
	mints *gateway.Payouts,
) (*Deposit, error) {
	d := &Deposit{
		collateral: collateral,
		meta:       meta,
		oracle:     oracle,
		reserve:    rm,
		mints:      mints,
	}
	switch collateral {
	case agreement.AssetBTC:
		d.event = agreement.EventBTCDeposit
	case agreement.AssetZEC:
		d.event = agreement.EventZECDeposit
	default:
		return nil, fmt.Errorf("no deposit path for %s", collateral)
	}
	return d, nil
}

func (d *Deposit) Name() string {
	return "deposit_" + d.collateral.Lower()
}

func (d *Deposit) EventType() agreement.EventType {
	return d.event
}

func (d *Deposit) Intent(ctx context.Context, ev agreement.ChainEvent) (*Intent, string, error) {
	meta, found, err := d.meta.Get(ctx, ev.Signature)
	if err != nil {
		return nil, "", resilience.Fatal(err)
	}

	in := &Intent{
		LogicalID:    ev.Signature,
		Kind:         state.KindDeposit,
		Counterparty: ev.Subject,
		Amount:       ev.Amount,
		SourceAsset:  d.collateral,
		DestAsset:    d.mints.Asset(),
	}

	if found {
		switch meta.TransferType {
		case agreement.TransferRefund, agreement.TransferRedemption:
			return nil, fmt.Sprintf("%s transfer is not a deposit", meta.TransferType), nil
		case agreement.TransferFunding, agreement.TransferAdmin, agreement.TransferTest:
			if !meta.ExpectedAmount.Equal(ev.Amount) {
				return nil, fmt.Sprintf("amount %s does not match expected %s", ev.Amount, meta.ExpectedAmount), nil
			}
			// treasury movement, reserve only
			in.DestAsset = d.collateral
			return in, "", nil
		}
	}

	if ev.Destination == "" {
		return nil, "deposit without memo", nil
	}
	dest, err := openDestination(d.oracle, ev)
	if err != nil {
		return nil, "", err
	}
	if err := d.mints.Validate(dest, ev.Amount); err != nil {
		return nil, "", err
	}

	in.Destination = dest
	in.StoredDestination = ev.Destination
	in.PayoutRequired = true
	return in, "", nil
}

// Reserve records the deposit. The collateral is already in custody, so there
// is nothing to undo if minting fails.
func (d *Deposit) Reserve(ctx context.Context, in *Intent) error {
	_, err := d.reserve.RecordDeposit(ctx, d.collateral, reserve.Deposit{
		TxID:   in.LogicalID,
		Sender: in.Counterparty,
		Amount: in.Amount,
	})
	return err
}

func (d *Deposit) Release(ctx context.Context, in *Intent) error {
	return nil
}

func (d *Deposit) Payout(ctx context.Context, in *Intent) (string, error) {
	return d.mints.Send(ctx, in.Destination, in.Amount)
}

func (d *Deposit) SettleTx(ctx context.Context, tx *sql.Tx, in *Intent) error {
	return d.reserve.SettleDepositTx(ctx, tx, d.collateral, in.LogicalID)
}
