package agreement

import (
	"context"

	"github.com/shopspring/decimal"
)

// Subscription is a live stream of events from one chain subscription.
// Events is closed when the stream ends. Err delivers at most one error
// describing why the stream broke.
type Subscription interface {
	Events() <-chan ChainEvent
	Err() <-chan error
	// Unsubscribe releases the handle. Calling it more than once is allowed.
	Unsubscribe() error
}

// ChainGateway is everything the bridge needs from a chain node.
// Implementations live outside the settlement core.
type ChainGateway interface {
	SubscribeLogs(ctx context.Context, programID string, commitment Commitment) (Subscription, error)
	SubscribeAccountChange(ctx context.Context, account string, commitment Commitment) (Subscription, error)

	// GetTransaction returns nil (and no error) when the chain does not know the signature.
	GetTransaction(ctx context.Context, signature string) (*ChainTransaction, error)

	// Newest first.
	GetSignaturesForAddress(ctx context.Context, account string, limit int) ([]string, error)

	// GetAccountInfo returns nil (and no error) when the account does not exist.
	GetAccountInfo(ctx context.Context, account string) ([]byte, error)

	// Ping is the reachability probe used by listener health checks.
	Ping(ctx context.Context) error
}

// PayoutSender moves value on a chain. It is slow and may fail transiently.
type PayoutSender interface {
	SendPayout(ctx context.Context, destination string, amount decimal.Decimal) (txRef string, err error)
}
