package settlement

import (
	"context"
	"fmt"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/resilience"
)

// Handler takes candidate events from any observation path.
type Handler interface {
	Handle(ctx context.Context, ev agreement.ChainEvent) (*Result, error)
}

// Service routes events to the orchestrator of their type and is the entry
// point used by operators and the API.
type Service struct {
	gw            agreement.ChainGateway
	orchestrators map[agreement.EventType]*Orchestrator
}

func NewService(gw agreement.ChainGateway, orchestrators ...*Orchestrator) (*Service, error) {
	s := &Service{
		gw:            gw,
		orchestrators: make(map[agreement.EventType]*Orchestrator, len(orchestrators)),
	}
	for _, o := range orchestrators {
		t := o.Direction().EventType()
		if _, dup := s.orchestrators[t]; dup {
			return nil, fmt.Errorf("two orchestrators for %s", t)
		}
		s.orchestrators[t] = o
	}
	return s, nil
}

func (s *Service) Handle(ctx context.Context, ev agreement.ChainEvent) (*Result, error) {
	return s.handle(ctx, ev, Options{})
}

func (s *Service) handle(ctx context.Context, ev agreement.ChainEvent, opts Options) (*Result, error) {
	o, ok := s.orchestrators[ev.Type]
	if !ok {
		return &Result{
			LogicalID: ev.Signature,
			Outcome:   OutcomeSkipped,
			Reason:    fmt.Sprintf("no handler for %s", ev.Type),
		}, nil
	}
	return o.Process(ctx, ev, opts)
}

// Handles reports whether some orchestrator settles events of type t.
func (s *Service) Handles(t agreement.EventType) bool {
	_, ok := s.orchestrators[t]
	return ok
}

type RedemptionParams struct {
	Signature   string `json:"signature"`
	ManualRetry bool   `json:"manual_retry"`
}

// ProcessRedemption fetches the transaction behind params.Signature and runs
// its bridge events through the same pipeline as automatic detection. The
// result of the first settled event is returned.
func (s *Service) ProcessRedemption(ctx context.Context, params RedemptionParams) (*Result, error) {
	if params.Signature == "" {
		return nil, resilience.Terminal(fmt.Errorf("%w: empty signature", ErrUnknownTransaction))
	}

	tx, err := s.gw.GetTransaction(ctx, params.Signature)
	if err != nil {
		return &Result{LogicalID: params.Signature, Outcome: OutcomePending, Reason: err.Error(), Retryable: true}, err
	}
	if tx == nil {
		err := resilience.Terminal(fmt.Errorf("%w: %s", ErrUnknownTransaction, params.Signature))
		return &Result{LogicalID: params.Signature, Outcome: OutcomeRejected, Reason: err.Error()}, err
	}
	if tx.Failed {
		err := resilience.Terminal(fmt.Errorf("%w: %s", ErrFailedTransaction, params.Signature))
		return &Result{LogicalID: params.Signature, Outcome: OutcomeRejected, Reason: err.Error()}, err
	}

	for _, ev := range tx.Events {
		if !s.Handles(ev.Type) {
			continue
		}
		if ev.Signature == "" {
			ev.Signature = tx.Signature
		}
		ev.Source = agreement.SourceManual
		return s.handle(ctx, ev, Options{ManualRetry: params.ManualRetry})
	}
	return &Result{LogicalID: params.Signature, Outcome: OutcomeSkipped, Reason: "no bridge events in transaction"}, nil
}
