package settlement

import (
	"context"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/eventledger"
	"github.com/TEENet-io/zenz-bridge/metrics"
	logger "github.com/sirupsen/logrus"
)

// Reconciler is the polling observation path. It lists recent signatures of
// an account and feeds unprocessed ones to the handler, so transfers missed
// by a broken stream are still settled.
type Reconciler struct {
	gw       agreement.ChainGateway
	account  string
	limit    int
	interval time.Duration
	ledger   *eventledger.Ledger
	handler  Handler

	trigger chan struct{}
}

func NewReconciler(
	gw agreement.ChainGateway,
	account string,
	limit int,
	interval time.Duration,
	ledger *eventledger.Ledger,
	handler Handler,
) *Reconciler {
	if limit <= 0 {
		limit = 50
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		gw:       gw,
		account:  account,
		limit:    limit,
		interval: interval,
		ledger:   ledger,
		handler:  handler,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks for a poll soon. Triggers coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) Loop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.trigger:
		}

		n, err := r.Poll(ctx)
		metrics.PollRuns.WithLabelValues(r.account, metrics.ResultLabel(err)).Inc()
		if err != nil {
			logger.WithFields(logger.Fields{
				"account": r.account,
				"err":     err,
			}).Warn("poll failed")
			continue
		}
		if n > 0 {
			logger.WithFields(logger.Fields{
				"account": r.account,
				"events":  n,
			}).Info("poll handled events")
		}
	}
}

// Poll runs one reconciliation pass and returns how many events it handed over.
func (r *Reconciler) Poll(ctx context.Context) (int, error) {
	sigs, err := r.gw.GetSignaturesForAddress(ctx, r.account, r.limit)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, sig := range sigs {
		done, err := r.ledger.IsProcessed(ctx, sig)
		if err != nil {
			return handled, err
		}
		if done {
			continue
		}

		tx, err := r.gw.GetTransaction(ctx, sig)
		if err != nil {
			return handled, err
		}
		if tx == nil || tx.Failed {
			continue
		}

		for _, ev := range tx.Events {
			if ev.Type == agreement.EventBalanceChange {
				continue
			}
			if ev.Signature == "" {
				ev.Signature = tx.Signature
			}
			ev.Source = agreement.SourcePoll
			if _, err := r.handler.Handle(ctx, ev); err != nil {
				logger.WithFields(logger.Fields{
					"signature": sig,
					"err":       err,
				}).Debug("polled event not settled")
			}
			handled++
		}
	}
	return handled, nil
}
