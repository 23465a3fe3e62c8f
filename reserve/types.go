package reserve

import (
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrUnknownAsset        = errors.New("asset has no reserve")
	ErrNoReservation       = errors.New("no open reservation")
	ErrAlreadySettled      = errors.New("withdrawal already settled")
	ErrInvalidAmount       = errors.New("amount must be greater than 0")
)

// RowStatus is the status of a deposit or withdrawal row.
type RowStatus string

const (
	RowPending   RowStatus = "pending"
	RowConfirmed RowStatus = "confirmed"
	RowProcessed RowStatus = "processed"
	RowFailed    RowStatus = "failed"
)

// Withdrawal is collateral leaving custody. Inserting the row is the reservation.
type Withdrawal struct {
	TxID        string
	Destination string
	Amount      decimal.Decimal
	Status      RowStatus
	CreatedAt   time.Time
}

// Deposit is collateral entering custody.
type Deposit struct {
	TxID      string
	Sender    string
	Amount    decimal.Decimal
	Status    RowStatus
	CreatedAt time.Time
}

// Check is the answer of a solvency check.
type Check struct {
	Asset      agreement.Asset
	Requested  decimal.Decimal
	Available  decimal.Decimal
	Shortfall  decimal.Decimal
	Sufficient bool
}

// Snapshot breaks the available reserve of one asset down. It is derived, never stored.
type Snapshot struct {
	Asset                agreement.Asset
	Bootstrap            decimal.Decimal
	ConfirmedDeposits    decimal.Decimal
	ConfirmedWithdrawals decimal.Decimal
	Available            decimal.Decimal
}

func (s *Snapshot) check(requested decimal.Decimal) Check {
	c := Check{
		Asset:      s.Asset,
		Requested:  requested,
		Available:  s.Available,
		Shortfall:  decimal.Zero,
		Sufficient: !s.Available.LessThan(requested),
	}
	if !c.Sufficient {
		c.Shortfall = requested.Sub(s.Available)
	}
	return c
}

// InsufficientReserveError carries the failed check for audit.
type InsufficientReserveError struct {
	TxID  string
	Check Check
}

func (e *InsufficientReserveError) Error() string {
	return fmt.Sprintf("%s: %s requested %s, available %s, shortfall %s",
		ErrInsufficientReserve, e.TxID, e.Check.Requested, e.Check.Available, e.Check.Shortfall)
}

func (e *InsufficientReserveError) Unwrap() error {
	return ErrInsufficientReserve
}

type JSONCheck struct {
	Asset      string `json:"asset"`
	Requested  string `json:"requested"`
	Sufficient bool   `json:"sufficient"`
	Available  string `json:"available"`
	Shortfall  string `json:"shortfall"`
}

func (c Check) ToJSON() *JSONCheck {
	return &JSONCheck{
		Asset:      string(c.Asset),
		Requested:  c.Requested.String(),
		Sufficient: c.Sufficient,
		Available:  c.Available.String(),
		Shortfall:  c.Shortfall.String(),
	}
}

type JSONSnapshot struct {
	Asset                string `json:"asset"`
	Bootstrap            string `json:"bootstrap"`
	ConfirmedDeposits    string `json:"confirmed_deposits"`
	ConfirmedWithdrawals string `json:"confirmed_withdrawals"`
	Available            string `json:"available"`
}

func (s *Snapshot) ToJSON() *JSONSnapshot {
	return &JSONSnapshot{
		Asset:                string(s.Asset),
		Bootstrap:            s.Bootstrap.String(),
		ConfirmedDeposits:    s.ConfirmedDeposits.String(),
		ConfirmedWithdrawals: s.ConfirmedWithdrawals.String(),
		Available:            s.Available.String(),
	}
}
