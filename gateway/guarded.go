// Package gateway adapts chain gateways and payout senders for the settlement core.
package gateway

import (
	"context"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"golang.org/x/time/rate"
)

// Guarded rate limits and retries the read calls of a gateway. Subscriptions
// and Ping pass straight through: the listener has its own reconnect policy.
type Guarded struct {
	agreement.ChainGateway
	limiter *rate.Limiter
	exec    *resilience.Executor
}

func NewGuarded(gw agreement.ChainGateway, rps float64, burst int, exec *resilience.Executor) *Guarded {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Guarded{
		ChainGateway: gw,
		limiter:      rate.NewLimiter(limit, burst),
		exec:         exec,
	}
}

func (g *Guarded) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return resilience.Transient(err)
	}
	return nil
}

func (g *Guarded) GetTransaction(ctx context.Context, signature string) (*agreement.ChainTransaction, error) {
	return resilience.Call(ctx, g.exec, func(ctx context.Context) (*agreement.ChainTransaction, error) {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		return g.ChainGateway.GetTransaction(ctx, signature)
	})
}

func (g *Guarded) GetSignaturesForAddress(ctx context.Context, account string, limit int) ([]string, error) {
	return resilience.Call(ctx, g.exec, func(ctx context.Context) ([]string, error) {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		return g.ChainGateway.GetSignaturesForAddress(ctx, account, limit)
	})
}

func (g *Guarded) GetAccountInfo(ctx context.Context, account string) ([]byte, error) {
	return resilience.Call(ctx, g.exec, func(ctx context.Context) ([]byte, error) {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		return g.ChainGateway.GetAccountInfo(ctx, account)
	})
}
