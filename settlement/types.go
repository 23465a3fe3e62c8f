package settlement

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrInvalidAmount      = errors.New("amount must be greater than 0")
	ErrAmountExceedsMax   = errors.New("amount exceeds the per transaction maximum")
	ErrUnknownTransaction = errors.New("transaction not found on chain")
	ErrFailedTransaction  = errors.New("transaction failed on chain")
	ErrStateNotRecorded   = errors.New("payout sent but settlement was not recorded")
	ErrNegativeMaximum    = errors.New("per transaction maximum must not be negative")
	ErrNotRetryable       = errors.New("transaction failed and is not retryable")
)

// Outcome is what happened to one candidate event.
type Outcome string

const (
	OutcomeProcessed      Outcome = "processed"       // paid out and recorded
	OutcomeDuplicate      Outcome = "duplicate"       // event already handled
	OutcomeInProgress     Outcome = "in_progress"     // another worker or observation owns it
	OutcomeSkipped        Outcome = "skipped"         // recognized, intentionally not settled
	OutcomeAlreadySettled Outcome = "already_settled" // logical transaction settled via another event
	OutcomeRejected       Outcome = "rejected"        // terminal business failure
	OutcomePending        Outcome = "pending"         // transient trouble, try again later
)

type Result struct {
	LogicalID string  `json:"logical_id"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
	DestTxRef string  `json:"dest_tx_ref,omitempty"`
	Retryable bool    `json:"retryable"`
}

type Options struct {
	// ManualRetry lets an operator retry a transaction that failed terminally.
	ManualRetry bool
}

// RejectionError is a terminal failure with what an auditor needs.
type RejectionError struct {
	LogicalID    string
	Amount       decimal.Decimal
	Counterparty string
	Reason       string
	Err          error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected %s (amount=%s counterparty=%s): %s", e.LogicalID, e.Amount, e.Counterparty, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Intent is the declared purpose of a logical transaction, resolved from
// metadata and the observed event.
type Intent struct {
	LogicalID    string
	Kind         state.Kind
	Counterparty string
	// Destination is where the payout goes, decrypted.
	Destination string
	// StoredDestination is persisted; it stays sealed when the event was encrypted.
	StoredDestination string
	Amount            decimal.Decimal
	SourceAsset       agreement.Asset
	DestAsset         agreement.Asset
	// PayoutRequired is false for treasury movements that only touch the reserve.
	PayoutRequired bool
}

func (in *Intent) transaction(ev agreement.ChainEvent) *state.Transaction {
	return &state.Transaction{
		TxID:         in.LogicalID,
		Kind:         in.Kind,
		Counterparty: in.Counterparty,
		Destination:  in.StoredDestination,
		Amount:       in.Amount,
		SourceAsset:  in.SourceAsset,
		DestAsset:    in.DestAsset,
		SourceTxRef:  ev.Signature,
	}
}

// Guards are bridge wide switches shared by every orchestrator. Operators
// change them while the bridge runs.
type Guards struct {
	paused atomic.Bool

	mu       sync.RWMutex
	maxPerTx decimal.Decimal
}

// NewGuards creates guards. A zero maxPerTx means no limit.
func NewGuards(paused bool, maxPerTx decimal.Decimal) *Guards {
	g := &Guards{maxPerTx: maxPerTx}
	g.paused.Store(paused)
	return g
}

func (g *Guards) Paused() bool {
	return g.paused.Load()
}

func (g *Guards) SetPaused(paused bool) {
	if g.paused.Swap(paused) != paused {
		logger.WithField("paused", paused).Info("bridge pause switched")
	}
}

func (g *Guards) MaxPerTx() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maxPerTx
}

// SetMaxPerTx changes the per transaction maximum. Zero removes the limit.
func (g *Guards) SetMaxPerTx(limit decimal.Decimal) error {
	if limit.IsNegative() {
		return ErrNegativeMaximum
	}
	g.mu.Lock()
	g.maxPerTx = limit
	g.mu.Unlock()

	logger.WithField("limit", limit.String()).Info("per transaction maximum changed")
	return nil
}

func (g *Guards) checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	limit := g.MaxPerTx()
	if limit.IsPositive() && amount.GreaterThan(limit) {
		return fmt.Errorf("%w: %s > %s", ErrAmountExceedsMax, amount, limit)
	}
	return nil
}
