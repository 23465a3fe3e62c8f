package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/shopspring/decimal"
)

var (
	ErrSimUnreachable = errors.New("simulated chain unreachable")
)

const simEventBuffer = 256

// SimPayout is a payout recorded by SimChain.
type SimPayout struct {
	TxRef       string
	Destination string
	Amount      decimal.Decimal
	At          time.Time
}

// SimChain is an in-memory chain. It implements agreement.ChainGateway and
// agreement.PayoutSender, with knobs to inject failures.
type SimChain struct {
	mu sync.Mutex

	txs        map[string]*agreement.ChainTransaction
	sigsByAcct map[string][]string // newest first
	accounts   map[string][]byte
	subs       map[*simSub]struct{}

	pingErr       error
	subscribeErrs []error
	payoutErrs    []error
	payoutDelay   time.Duration
	payouts       []SimPayout
	subscribes    int
}

func NewSimChain() *SimChain {
	return &SimChain{
		txs:        make(map[string]*agreement.ChainTransaction),
		sigsByAcct: make(map[string][]string),
		accounts:   make(map[string][]byte),
		subs:       make(map[*simSub]struct{}),
	}
}

var _ agreement.ChainGateway = (*SimChain)(nil)
var _ agreement.PayoutSender = (*SimChain)(nil)

func (s *SimChain) SubscribeLogs(ctx context.Context, programID string, _ agreement.Commitment) (agreement.Subscription, error) {
	return s.subscribe("logs:" + programID)
}

func (s *SimChain) SubscribeAccountChange(ctx context.Context, account string, _ agreement.Commitment) (agreement.Subscription, error) {
	return s.subscribe("account:" + account)
}

func (s *SimChain) subscribe(key string) (agreement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribes++
	if len(s.subscribeErrs) > 0 {
		err := s.subscribeErrs[0]
		s.subscribeErrs = s.subscribeErrs[1:]
		return nil, err
	}

	sub := &simSub{
		key:    key,
		events: make(chan agreement.ChainEvent, simEventBuffer),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	sub.onClose = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *SimChain) GetTransaction(ctx context.Context, signature string) (*agreement.ChainTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return nil, s.pingErr
	}
	tx, ok := s.txs[signature]
	if !ok {
		return nil, nil
	}
	cp := *tx
	cp.Events = append([]agreement.ChainEvent(nil), tx.Events...)
	return &cp, nil
}

func (s *SimChain) GetSignaturesForAddress(ctx context.Context, account string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return nil, s.pingErr
	}
	sigs := s.sigsByAcct[account]
	if limit > 0 && len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return append([]string(nil), sigs...), nil
}

func (s *SimChain) GetAccountInfo(ctx context.Context, account string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return nil, s.pingErr
	}
	data, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *SimChain) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *SimChain) SendPayout(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	s.mu.Lock()
	delay := s.payoutDelay
	var injected error
	if len(s.payoutErrs) > 0 {
		injected = s.payoutErrs[0]
		s.payoutErrs = s.payoutErrs[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if injected != nil {
		return "", injected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ref := common.RandHexStr(32)
	s.payouts = append(s.payouts, SimPayout{
		TxRef:       ref,
		Destination: destination,
		Amount:      amount,
		At:          time.Now(),
	})
	return ref, nil
}

// Knobs.

// SetReachable makes every read and Ping fail with a transient error while false.
func (s *SimChain) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.pingErr = nil
	} else {
		s.pingErr = resilience.Transient(ErrSimUnreachable)
	}
}

// FailSubscribes makes the next len(errs) subscribe calls fail with errs in order.
func (s *SimChain) FailSubscribes(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErrs = append(s.subscribeErrs, errs...)
}

// FailPayouts makes the next len(errs) payouts fail with errs in order.
func (s *SimChain) FailPayouts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutErrs = append(s.payoutErrs, errs...)
}

func (s *SimChain) SetPayoutDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutDelay = d
}

// AddTransaction stores tx and lists its signature, newest first, under each
// of the given accounts.
func (s *SimChain) AddTransaction(tx *agreement.ChainTransaction, accounts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.Signature] = tx
	for _, acct := range accounts {
		s.sigsByAcct[acct] = append([]string{tx.Signature}, s.sigsByAcct[acct]...)
	}
}

func (s *SimChain) SetAccountInfo(account string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account] = data
}

// EmitLog delivers ev to every log subscription on programID.
func (s *SimChain) EmitLog(programID string, ev agreement.ChainEvent) int {
	return s.emit("logs:"+programID, ev)
}

// EmitAccountChange delivers ev to every subscription on account.
func (s *SimChain) EmitAccountChange(account string, ev agreement.ChainEvent) int {
	return s.emit("account:"+account, ev)
}

func (s *SimChain) emit(key string, ev agreement.ChainEvent) int {
	n := 0
	for _, sub := range s.matching(key) {
		if sub.send(ev) {
			n++
		}
	}
	return n
}

// BreakStreams reports err on every live subscription, as a dropped websocket would.
func (s *SimChain) BreakStreams(err error) {
	for _, sub := range s.matching("") {
		sub.fail(err)
	}
}

// CloseStreams ends every live subscription cleanly.
func (s *SimChain) CloseStreams() {
	for _, sub := range s.matching("") {
		sub.closeEvents()
	}
}

func (s *SimChain) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *SimChain) SubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func (s *SimChain) Payouts() []SimPayout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimPayout(nil), s.payouts...)
}

func (s *SimChain) matching(key string) []*simSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*simSub
	for sub := range s.subs {
		if key == "" || sub.key == key {
			out = append(out, sub)
		}
	}
	return out
}

type simSub struct {
	key    string
	events chan agreement.ChainEvent
	errCh  chan error
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	onClose  func()
}

func (sub *simSub) Events() <-chan agreement.ChainEvent { return sub.events }
func (sub *simSub) Err() <-chan error                   { return sub.errCh }

func (sub *simSub) Unsubscribe() error {
	first := false
	sub.stopOnce.Do(func() {
		first = true
		close(sub.done)
		sub.onClose()
	})
	if !first {
		return fmt.Errorf("subscription %s already released", sub.key)
	}
	return nil
}

func (sub *simSub) send(ev agreement.ChainEvent) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.events <- ev:
		return true
	case <-sub.done:
		return false
	}
}

func (sub *simSub) fail(err error) {
	select {
	case sub.errCh <- err:
	default:
	}
}

func (sub *simSub) closeEvents() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}
