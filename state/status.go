package state

import (
	"errors"
	"fmt"
)

// Status is the lifecycle position of a bridge transaction.
type Status string

const (
	StatusPending    Status = "pending"    // seen on chain, nothing done yet
	StatusProcessing Status = "processing" // a worker owns it and may be paying out
	StatusConfirmed  Status = "confirmed"  // source confirmed, waiting for settlement
	StatusProcessed  Status = "processed"  // payout done, dest tx ref known
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{StatusPending, StatusProcessing, StatusConfirmed, StatusProcessed, StatusFailed}

var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusConfirmed: true, StatusProcessing: true, StatusFailed: true},
	StatusProcessing: {StatusProcessed: true, StatusFailed: true},
	StatusConfirmed:  {StatusProcessed: true, StatusFailed: true},
	StatusProcessed:  {StatusFailed: true}, // compensating action only
	StatusFailed:     {StatusPending: true, StatusProcessing: true},
}

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown status")
)

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidateTransition is the single place that decides which moves are legal.
func ValidateTransition(from, to Status) error {
	if !transitions[from][to] {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Kind is the variant of a bridge transaction.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindBurn       Kind = "burn"
	KindSwap       Kind = "swap"
)
