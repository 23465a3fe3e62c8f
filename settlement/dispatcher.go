package settlement

import (
	"context"

	"github.com/TEENet-io/zenz-bridge/agreement"
	logger "github.com/sirupsen/logrus"
)

// Dispatcher drains one listener. A slow payout blocks only this dispatcher.
type Dispatcher struct {
	name    string
	events  <-chan agreement.ChainEvent
	handler Handler
	// balance changes carry no details, they wake the reconciler instead
	recon *Reconciler
}

func NewDispatcher(name string, events <-chan agreement.ChainEvent, handler Handler, recon *Reconciler) *Dispatcher {
	return &Dispatcher{
		name:    name,
		events:  events,
		handler: handler,
		recon:   recon,
	}
}

// Run returns when ctx is done or the event channel is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.events:
			if !ok {
				return nil
			}
			if ev.Type == agreement.EventBalanceChange {
				if d.recon != nil {
					d.recon.Trigger()
				}
				continue
			}
			if _, err := d.handler.Handle(ctx, ev); err != nil {
				logger.WithFields(logger.Fields{
					"listener":  d.name,
					"signature": ev.Signature,
					"err":       err,
				}).Debug("event not settled")
			}
		}
	}
}
