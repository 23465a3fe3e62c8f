// Package listener owns one chain subscription and keeps it alive.
//
// A Listener moves through
//
//	stopped -> connecting -> listening <-> degraded -> reconnecting -> connecting ...
//
// and ends in stopped when Stop is called, the context is cancelled, or
// MaxReconnectAttempts consecutive failures happen. Received events are
// forwarded to a bounded channel read by a separate consumer, so slow
// settlement never runs on the listener goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/resilience"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrRetryBudgetExhausted = errors.New("listener reconnect budget exhausted")
	ErrAlreadyRunning       = errors.New("listener already running")

	errStreamClosed = errors.New("subscription stream closed")
	errSilent       = errors.New("no events within silence timeout")
	errStopped      = errors.New("listener stopped")
)

type State string

const (
	StateStopped      State = "stopped"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

// OpenFunc opens a fresh subscription.
type OpenFunc func(ctx context.Context) (agreement.Subscription, error)

// Prober checks that the gateway is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

type Status struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	Listening         bool      `json:"listening"`
	PendingCount      int       `json:"pending_count"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastEventAt       time.Time `json:"last_event_at"`
}

type Listener struct {
	name   string
	open   OpenFunc
	prober Prober
	cfg    Config
	nowFn  func() time.Time

	out chan agreement.ChainEvent

	mu          sync.Mutex
	state       State
	attempts    int
	lastEventAt time.Time
	sub         agreement.Subscription
	running     bool

	stopOnce sync.Once
	stopCh   chan struct{}

	// OnStateChange is called on every transition, outside of the lock.
	OnStateChange func(name string, from, to State)
	// OnEvent is called for every received event before it is forwarded.
	OnEvent func(name string, ev agreement.ChainEvent)
}

// New creates a stopped listener. prober may be nil, which skips reachability probes.
func New(name string, open OpenFunc, prober Prober, cfg Config) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		name:   name,
		open:   open,
		prober: prober,
		cfg:    cfg,
		nowFn:  time.Now,
		out:    make(chan agreement.ChainEvent, cfg.BufferSize),
		state:  StateStopped,
		stopCh: make(chan struct{}),
	}
}

// WithClock replaces the clock used for the silence check, for tests.
func (l *Listener) WithClock(nowFn func() time.Time) *Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = nowFn
	return l
}

func (l *Listener) Name() string {
	return l.name
}

// Events is closed when Run returns.
func (l *Listener) Events() <-chan agreement.ChainEvent {
	return l.out
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Name:              l.name,
		State:             l.state,
		Listening:         l.state == StateListening,
		PendingCount:      len(l.out),
		ReconnectAttempts: l.attempts,
		LastEventAt:       l.lastEventAt,
	}
}

// Run drives the state machine until ctx is done, Stop is called, or the
// reconnect budget runs out. It may only be called once.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()

	defer close(l.out)
	defer l.release()

	for {
		if l.stopping(ctx) {
			l.setState(StateStopped)
			return nil
		}

		l.setState(StateConnecting)
		sub, err := l.open(ctx)
		if err == nil {
			l.connected(sub)
			err = l.listen(ctx, sub)
			l.release()
		}
		if errors.Is(err, errStopped) || l.stopping(ctx) {
			l.setState(StateStopped)
			return nil
		}

		attempts := l.fail()
		if attempts > l.cfg.MaxReconnectAttempts {
			l.setState(StateStopped)
			logger.WithFields(logger.Fields{
				"listener": l.name,
				"attempts": attempts - 1,
				"err":      err,
			}).Error("giving up on subscription")
			return fmt.Errorf("%s: %w: %w", l.name, ErrRetryBudgetExhausted, err)
		}

		l.setState(StateReconnecting)
		delay := resilience.Backoff(attempts-1, l.cfg.BackoffBase, l.cfg.BackoffCap)
		logger.WithFields(logger.Fields{
			"listener": l.name,
			"attempt":  attempts,
			"delay":    delay,
			"err":      err,
		}).Warn("reconnecting subscription")

		if !l.wait(ctx, delay) {
			l.setState(StateStopped)
			return nil
		}
	}
}

// Stop shuts the listener down. It is safe to call more than once and before Run.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.release()

	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		l.setState(StateStopped)
	}
}

func (l *Listener) listen(ctx context.Context, sub agreement.Subscription) error {
	ticker := time.NewTicker(l.cfg.HealthCheckInterval)
	defer ticker.Stop()

	events, errs := sub.Events(), sub.Err()
	for {
		select {
		case <-ctx.Done():
			return errStopped
		case <-l.stopCh:
			return errStopped

		case ev, ok := <-events:
			if !ok {
				return errStreamClosed
			}
			l.received(ev)
			select {
			case l.out <- ev:
			case <-ctx.Done():
				return errStopped
			case <-l.stopCh:
				return errStopped
			}

		case err := <-errs:
			if err == nil {
				err = errStreamClosed
			}
			return err

		case <-ticker.C:
			if err := l.probe(ctx); err != nil {
				l.setState(StateDegraded)
				logger.WithFields(logger.Fields{
					"listener": l.name,
					"err":      err,
				}).Warn("health probe failed")
				return err
			}
		}
	}
}

func (l *Listener) probe(ctx context.Context) error {
	if l.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
		err := l.prober.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("gateway unreachable: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nowFn().Sub(l.lastEventAt) > l.cfg.SilenceTimeout {
		return errSilent
	}
	l.attempts = 0
	return nil
}

func (l *Listener) connected(sub agreement.Subscription) {
	l.mu.Lock()
	l.sub = sub
	l.attempts = 0
	// the silence clock starts at connect time
	l.lastEventAt = l.nowFn()
	l.mu.Unlock()

	l.setState(StateListening)
}

func (l *Listener) received(ev agreement.ChainEvent) {
	l.mu.Lock()
	l.lastEventAt = l.nowFn()
	l.attempts = 0
	l.mu.Unlock()

	if l.OnEvent != nil {
		l.OnEvent(l.name, ev)
	}
}

func (l *Listener) fail() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	return l.attempts
}

// release drops the current subscription handle. Missing or broken handles are ignored.
func (l *Listener) release() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logger.Fields{
				"listener": l.name,
				"panic":    r,
			}).Warn("unsubscribe panicked")
		}
	}()
	if err := sub.Unsubscribe(); err != nil {
		logger.WithFields(logger.Fields{
			"listener": l.name,
			"err":      err,
		}).Debug("unsubscribe failed")
	}
}

// wait sleeps for d unless the listener is stopped first.
func (l *Listener) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	}
}

func (l *Listener) stopping(ctx context.Context) bool {
	select {
	case <-l.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (l *Listener) setState(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()

	if from == to {
		return
	}
	logger.WithFields(logger.Fields{
		"listener": l.name,
		"from":     from,
		"to":       to,
	}).Info("listener state changed")
	if l.OnStateChange != nil {
		l.OnStateChange(l.name, from, to)
	}
}
