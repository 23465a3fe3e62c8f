package gateway

import (
	"context"
	"fmt"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Payouts sends value of one asset to validated destinations.
type Payouts struct {
	asset    agreement.Asset
	sender   agreement.PayoutSender
	validate common.AddressValidator
}

func NewPayouts(asset agreement.Asset, sender agreement.PayoutSender, validate common.AddressValidator) *Payouts {
	return &Payouts{
		asset:    asset,
		sender:   sender,
		validate: validate,
	}
}

func (p *Payouts) Asset() agreement.Asset {
	return p.asset
}

// Validate checks destination and amount without sending anything.
// Failures are terminal.
func (p *Payouts) Validate(destination string, amount decimal.Decimal) error {
	if err := p.validate(destination); err != nil {
		return resilience.Terminal(err)
	}
	if !amount.IsPositive() {
		return resilience.Terminal(common.ErrNonPositiveAmount)
	}
	// UTXO and shielded chains count in 1e-8 units.
	if p.asset == agreement.AssetBTC || p.asset == agreement.AssetZEC {
		if _, err := common.ToSatoshi(amount); err != nil {
			return resilience.Terminal(fmt.Errorf("%s payout of %s: %w", p.asset, amount, err))
		}
	}
	return nil
}

// Send validates and sends one payout, returning the chain tx reference.
// Sender errors keep their classification.
func (p *Payouts) Send(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	if err := p.Validate(destination, amount); err != nil {
		return "", err
	}

	ref, err := p.sender.SendPayout(ctx, destination, amount)
	if err != nil {
		logger.WithFields(logger.Fields{
			"asset":       p.asset,
			"destination": destination,
			"amount":      amount.String(),
			"err":         err,
		}).Warn("payout failed")
		return "", err
	}

	logger.WithFields(logger.Fields{
		"asset":       p.asset,
		"destination": destination,
		"amount":      amount.String(),
		"txRef":       common.Shorten(ref, 6),
	}).Info("payout sent")
	return ref, nil
}
