package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/coordinator"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/eventledger"
	"github.com/TEENet-io/zenz-bridge/metrics"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const cleanupTimeout = 10 * time.Second

// Orchestrator settles candidate events of one Direction. Any number of
// orchestrators, in this process or others, may see the same event; the
// ledger, the coordinator and the state machine make sure it is paid once.
type Orchestrator struct {
	owner  string
	dir    Direction
	ledger *eventledger.Ledger
	coord  *coordinator.Coordinator
	states *state.StateDB
	exec   *resilience.Executor
	guards *Guards
}

func NewOrchestrator(
	owner string,
	dir Direction,
	ledger *eventledger.Ledger,
	coord *coordinator.Coordinator,
	states *state.StateDB,
	exec *resilience.Executor,
	guards *Guards,
) (*Orchestrator, error) {
	if owner == "" {
		return nil, coordinator.ErrEmptyOwner
	}
	if guards == nil {
		guards = NewGuards(false, decimal.Zero)
	}
	return &Orchestrator{
		owner:  owner,
		dir:    dir,
		ledger: ledger,
		coord:  coord,
		states: states,
		exec:   exec,
		guards: guards,
	}, nil
}

func (o *Orchestrator) Direction() Direction {
	return o.dir
}

// Process runs one candidate event through the settlement pipeline. The
// returned error is nil for every outcome except rejected (a *RejectionError)
// and pending (the underlying transient or fatal error).
func (o *Orchestrator) Process(ctx context.Context, ev agreement.ChainEvent, opts Options) (*Result, error) {
	start := time.Now()
	res, err := o.process(ctx, ev, opts)

	metrics.SettlementOutcomes.WithLabelValues(o.dir.Name(), string(res.Outcome)).Inc()
	metrics.SettlementLatency.WithLabelValues(o.dir.Name()).Observe(time.Since(start).Seconds())

	fields := logger.Fields{
		"direction": o.dir.Name(),
		"signature": common.Shorten(ev.Signature, 8),
		"source":    ev.Source,
		"amount":    ev.Amount.String(),
		"outcome":   res.Outcome,
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	switch res.Outcome {
	case OutcomeRejected, OutcomePending:
		logger.WithFields(fields).Warn("settlement not completed")
	case OutcomeProcessed, OutcomeSkipped:
		logger.WithFields(fields).Info("settlement")
	default:
		logger.WithFields(fields).Debug("settlement")
	}
	return res, err
}

func (o *Orchestrator) process(ctx context.Context, ev agreement.ChainEvent, opts Options) (*Result, error) {
	res := &Result{LogicalID: ev.Signature}

	if ev.Type != o.dir.EventType() {
		res.Outcome, res.Reason = OutcomeSkipped, fmt.Sprintf("%s does not handle %s", o.dir.Name(), ev.Type)
		return res, nil
	}
	if o.guards.Paused() {
		res.Outcome, res.Reason, res.Retryable = OutcomePending, "bridge paused", true
		return res, nil
	}

	// 1. Stop if the event was handled before
	done, err := o.ledger.IsProcessed(ctx, ev.Signature)
	if err != nil {
		return o.pending(res, err)
	}
	if done {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	// 2. Claim the logical transaction across workers
	claimed, err := o.coord.MarkProcessing(ctx, res.LogicalID, o.owner)
	if err != nil {
		return o.pending(res, err)
	}
	if !claimed {
		res.Outcome = OutcomeInProgress
		if lock, found, err := o.coord.Get(ctx, res.LogicalID); err == nil && found && lock.State == coordinator.StateCompleted {
			res.Outcome = OutcomeAlreadySettled
		}
		return res, nil
	}

	// 3. Establish the declared intent
	if err := o.guards.checkAmount(ev.Amount); err != nil {
		return o.rejectUnsettled(ctx, res, ev, resilience.Terminal(err))
	}
	in, skip, err := o.dir.Intent(ctx, ev)
	if err != nil {
		if resilience.IsTerminal(err) {
			return o.rejectUnsettled(ctx, res, ev, err)
		}
		o.release(ctx, res.LogicalID)
		return o.pending(res, err)
	}
	if skip != "" {
		return o.skip(ctx, res, ev, skip)
	}

	// 4. Move the transaction to processing
	if _, err := o.states.CreateIfAbsent(ctx, in.transaction(ev)); err != nil {
		o.release(ctx, res.LogicalID)
		return o.pending(res, err)
	}
	if _, ok, err := o.states.MarkProcessing(ctx, res.LogicalID, opts.ManualRetry); err != nil || !ok {
		o.release(ctx, res.LogicalID)
		if err != nil {
			return o.pending(res, err)
		}
		return o.refused(ctx, res)
	}

	// 5. Reserve collateral
	if err := o.dir.Reserve(ctx, in); err != nil {
		if !isBusinessFailure(err) {
			o.fail(ctx, in, err, true)
			return o.pending(res, err)
		}
		o.fail(ctx, in, err, false)
		return o.reject(res, in, err)
	}

	// 6. Pay out
	var ref string
	if in.PayoutRequired {
		ref, err = resilience.Call(ctx, o.exec, func(ctx context.Context) (string, error) {
			return o.dir.Payout(ctx, in)
		})
		if err != nil {
			// 8. Leave the event unprocessed so a later pass can retry.
			// A cancelled caller means the payout was abandoned, not refused.
			retryable := ctx.Err() != nil || !resilience.IsTerminal(err)
			cctx, cancel := cleanupContext(ctx)
			if err := o.dir.Release(cctx, in); err != nil {
				logger.WithFields(logger.Fields{"txId": in.LogicalID, "err": err}).Error("failed to release reservation")
			}
			cancel()
			o.fail(ctx, in, err, retryable)
			if retryable {
				return o.pending(res, err)
			}
			return o.reject(res, in, err)
		}
	}

	// 7. Record the settlement atomically
	err = database.WithTx(ctx, o.states.DB(), func(tx *sql.Tx) error {
		if err := o.states.MarkProcessedTx(ctx, tx, in.LogicalID, ref); err != nil {
			return err
		}
		if err := o.dir.SettleTx(ctx, tx, in); err != nil {
			return err
		}
		if _, err := o.ledger.MarkProcessedTx(ctx, tx, eventledger.FromChainEvent(ev)); err != nil {
			return err
		}
		return o.coord.MarkCompletedTx(ctx, tx, in.LogicalID, o.owner)
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"txId":   in.LogicalID,
			"asset":  in.DestAsset,
			"amount": in.Amount.String(),
			"txRef":  ref,
			"err":    err,
		}).Error("payout sent but settlement was not recorded")
		return o.pending(res, resilience.Fatal(fmt.Errorf("%w: %w", ErrStateNotRecorded, err)))
	}
	o.ledger.Remember(ev.Signature)

	res.Outcome, res.DestTxRef = OutcomeProcessed, ref
	return res, nil
}

func (o *Orchestrator) pending(res *Result, err error) (*Result, error) {
	res.Outcome, res.Reason, res.Retryable = OutcomePending, err.Error(), true
	return res, err
}

func (o *Orchestrator) reject(res *Result, in *Intent, err error) (*Result, error) {
	res.Outcome, res.Reason = OutcomeRejected, err.Error()
	return res, &RejectionError{
		LogicalID:    in.LogicalID,
		Amount:       in.Amount,
		Counterparty: in.Counterparty,
		Reason:       err.Error(),
		Err:          err,
	}
}

// skip marks a recognized event processed without settling it.
func (o *Orchestrator) skip(ctx context.Context, res *Result, ev agreement.ChainEvent, reason string) (*Result, error) {
	err := database.WithTx(ctx, o.states.DB(), func(tx *sql.Tx) error {
		if _, err := o.ledger.MarkProcessedTx(ctx, tx, eventledger.FromChainEvent(ev)); err != nil {
			return err
		}
		return o.coord.MarkCompletedTx(ctx, tx, res.LogicalID, o.owner)
	})
	if err != nil {
		o.release(ctx, res.LogicalID)
		return o.pending(res, err)
	}
	o.ledger.Remember(ev.Signature)

	res.Outcome, res.Reason = OutcomeSkipped, reason
	return res, nil
}

// rejectUnsettled records a terminal rejection found before anything was
// reserved: a failed transaction row, the event processed and the lock completed.
func (o *Orchestrator) rejectUnsettled(ctx context.Context, res *Result, ev agreement.ChainEvent, cause error) (*Result, error) {
	in := &Intent{
		LogicalID:         ev.Signature,
		Kind:              kindOf(ev.Type),
		Counterparty:      ev.Subject,
		StoredDestination: ev.Destination,
		Amount:            ev.Amount,
	}
	t := in.transaction(ev)
	t.SourceAsset, t.DestAsset = assetsOf(ev.Type)

	err := func() error {
		if _, err := o.states.CreateIfAbsent(ctx, t); err != nil && !errors.Is(err, state.ErrInvalidAmount) {
			return err
		}
		if err := o.states.MarkFailed(ctx, in.LogicalID, cause.Error(), false); err != nil &&
			!errors.Is(err, state.ErrNotFound) && !errors.Is(err, state.ErrInvalidTransition) {
			return err
		}
		return database.WithTx(ctx, o.states.DB(), func(tx *sql.Tx) error {
			if _, err := o.ledger.MarkProcessedTx(ctx, tx, eventledger.FromChainEvent(ev)); err != nil {
				return err
			}
			return o.coord.MarkCompletedTx(ctx, tx, res.LogicalID, o.owner)
		})
	}()
	if err != nil {
		o.release(ctx, res.LogicalID)
		return o.pending(res, err)
	}
	o.ledger.Remember(ev.Signature)
	return o.reject(res, in, cause)
}

// refused explains why the state machine would not hand out the transaction.
func (o *Orchestrator) refused(ctx context.Context, res *Result) (*Result, error) {
	t, found, err := o.states.Get(ctx, res.LogicalID)
	if err != nil {
		return o.pending(res, err)
	}
	res.Outcome = OutcomeInProgress
	if !found {
		return res, nil
	}
	switch t.Status {
	case state.StatusProcessed:
		res.Outcome = OutcomeAlreadySettled
		res.DestTxRef = t.DestTxRef
	case state.StatusFailed:
		cause := resilience.Terminal(ErrNotRetryable)
		if t.LastError != "" {
			cause = resilience.Terminal(fmt.Errorf("%w: %s", ErrNotRetryable, t.LastError))
		}
		res.Outcome, res.Reason = OutcomeRejected, cause.Error()
		return res, &RejectionError{
			LogicalID:    t.TxID,
			Amount:       t.Amount,
			Counterparty: t.Counterparty,
			Reason:       cause.Error(),
			Err:          cause,
		}
	}
	return res, nil
}

// cleanupContext keeps bookkeeping running after the caller's ctx is cancelled.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (o *Orchestrator) fail(ctx context.Context, in *Intent, cause error, retryable bool) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := o.states.MarkFailed(ctx, in.LogicalID, cause.Error(), retryable); err != nil {
		logger.WithFields(logger.Fields{"txId": in.LogicalID, "err": err}).Error("failed to mark transaction failed")
	}
	o.release(ctx, in.LogicalID)
}

func (o *Orchestrator) release(ctx context.Context, logicalID string) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	if _, err := o.coord.Release(ctx, logicalID, o.owner); err != nil {
		logger.WithFields(logger.Fields{
			"txId":  logicalID,
			"owner": o.owner,
			"err":   err,
		}).Error("failed to release coordinator lock")
	}
}

// isBusinessFailure tells a refused reservation from a storage problem.
func isBusinessFailure(err error) bool {
	return errors.Is(err, reserve.ErrInsufficientReserve) ||
		errors.Is(err, reserve.ErrAlreadySettled) ||
		errors.Is(err, reserve.ErrInvalidAmount) ||
		errors.Is(err, reserve.ErrUnknownAsset)
}

func kindOf(t agreement.EventType) state.Kind {
	switch t {
	case agreement.EventBTCDeposit, agreement.EventZECDeposit:
		return state.KindDeposit
	}
	return state.KindWithdrawal
}

func assetsOf(t agreement.EventType) (source, dest agreement.Asset) {
	switch t {
	case agreement.EventBurnForBTC:
		return agreement.AssetZenBTC, agreement.AssetBTC
	case agreement.EventBurnForZEC:
		return agreement.AssetZenZEC, agreement.AssetZEC
	case agreement.EventBTCDeposit:
		return agreement.AssetBTC, agreement.AssetZenBTC
	case agreement.EventZECDeposit:
		return agreement.AssetZEC, agreement.AssetZenZEC
	}
	return "", ""
}
