package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy bounds retries of transient failures. The delay before attempt n+1 is
// min(BaseDelay * 2^(n-1), MaxDelay).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return Backoff(attempt-1, p.BaseDelay, p.MaxDelay)
}

// Backoff returns min(base * 2^exp, cap) without overflowing.
func Backoff(exp int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling <= 0 {
		return base
	}
	if base >= ceiling {
		return ceiling
	}
	d := base
	for i := 0; i < exp; i++ {
		if d > ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return d
}

// Executor runs calls to one dependency under a retry policy and a breaker.
type Executor struct {
	name    string
	policy  Policy
	breaker *Breaker

	// OnAttempt is called after every attempt with its outcome, for metrics.
	OnAttempt func(name string, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. breaker may be nil.
func NewExecutor(name string, policy Policy, breaker *Breaker) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Executor{
		name:    name,
		policy:  policy,
		breaker: breaker,
		sleep:   sleepCtx,
	}
}

func (e *Executor) Name() string      { return e.name }
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempts run out. Only transient failures count against the breaker.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := e.once(ctx, op)
		if e.OnAttempt != nil {
			e.OnAttempt(e.name, err)
		}
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if errors.Is(err, ErrCircuitOpen) {
			return Transient(fmt.Errorf("%s: %w", e.name, err))
		}
		lastErr = err

		if attempt == e.policy.MaxAttempts {
			break
		}
		delay := e.policy.Delay(attempt)
		logger.WithFields(logger.Fields{
			"call":    e.name,
			"attempt": attempt,
			"delay":   delay,
			"err":     err,
		}).Warn("transient failure, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return Transient(fmt.Errorf("%s: %w after %d attempts: %w", e.name, ErrRetriesExhausted, e.policy.MaxAttempts, lastErr))
}

func (e *Executor) once(ctx context.Context, op func(ctx context.Context) error) error {
	if e.breaker != nil {
		if err := e.breaker.Allow(); err != nil {
			return err
		}
	}

	err := op(ctx)

	if e.breaker != nil {
		switch {
		case err == nil:
			e.breaker.RecordSuccess()
		case IsTransient(err):
			e.breaker.RecordFailure()
		default:
			e.breaker.endProbe()
		}
	}
	return err
}

// Call is Do for operations returning a value.
func Call[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
