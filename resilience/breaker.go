package resilience

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // successes in half-open before closing (default 1)
	RecoveryWindow   time.Duration // time spent open before letting a probe through (default 60s)
	OnStateChange    func(from, to BreakerState)
}

// Breaker fails fast after repeated failures of a dependency.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	failureCount int
	successCount int
	openedAt     time.Time
	probing      bool // a half-open trial call is in flight

	cfg   BreakerConfig
	nowFn func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 60 * time.Second
	}
	return &Breaker{
		state: BreakerClosed,
		cfg:   cfg,
		nowFn: time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (b *Breaker) WithClock(nowFn func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFn = nowFn
	return b
}

// Allow returns ErrCircuitOpen while the breaker is open and the recovery
// window has not elapsed. Half-open admits one trial call at a time; its
// outcome must be reported with RecordSuccess, RecordFailure or endProbe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.nowFn().Sub(b.openedAt) < b.cfg.RecoveryWindow {
			return ErrCircuitOpen
		}
		b.setState(BreakerHalfOpen)
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
	default:
		return nil
	}
	b.probing = true
	return nil
}

// endProbe frees the half-open slot after a call whose outcome says nothing
// about the dependency's health.
func (b *Breaker) endProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probing = false
	if b.state == BreakerHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.setState(BreakerClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.probing = false
	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.nowFn()
	b.setState(BreakerOpen)
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	b.probing = false
	if to == BreakerClosed {
		b.failureCount = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
