// Golbal Agreement on types shared by listeners, stores and the settlement pipeline.

package agreement

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is a bridged asset symbol.
type Asset string

const (
	AssetBTC    Asset = "BTC"
	AssetZEC    Asset = "ZEC"
	AssetZenBTC Asset = "ZENBTC" // wrapped BTC on the account chain
	AssetZenZEC Asset = "ZENZEC" // wrapped ZEC on the account chain
)

// ParseAsset accepts any casing.
func ParseAsset(s string) (Asset, error) {
	a := Asset(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case AssetBTC, AssetZEC, AssetZenBTC, AssetZenZEC:
		return a, nil
	}
	return "", fmt.Errorf("unknown asset %q", s)
}

// Lower is used to derive per-asset table names.
func (a Asset) Lower() string {
	return strings.ToLower(string(a))
}

// EventType tells what a chain event means to the bridge.
type EventType string

const (
	EventBurnForBTC    EventType = "burn_for_btc"   // zenBTC burned, BTC to be paid out
	EventBurnForZEC    EventType = "burn_for_zec"   // zenZEC burned, ZEC to be paid out
	EventBTCDeposit    EventType = "btc_deposit"    // BTC received on the bridge address
	EventZECDeposit    EventType = "zec_deposit"    // shielded ZEC note received
	EventBalanceChange EventType = "balance_change" // treasury balance moved, no details
)

// ObservationSource is the path an event was observed from.
// The same transfer may be observed from several sources.
type ObservationSource string

const (
	SourceLogs    ObservationSource = "logs"
	SourceAccount ObservationSource = "account"
	SourcePoll    ObservationSource = "poll"
	SourceManual  ObservationSource = "manual"
)

type Commitment string

const (
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ChainEvent is a decoded observation of something happening on a chain.
type ChainEvent struct {
	Signature   string          // chain tx signature / txid, identifies the event
	Type        EventType       // what happened
	Subject     string          // account (or address) that caused the event
	Destination string          // where value should go on the other side, may be encrypted
	Encrypted   bool            // Destination is a sealed blob for the privacy oracle
	Amount      decimal.Decimal // in whole units of the asset (e.g. 0.5 BTC)
	Slot        uint64          // block height / slot / ledger version
	Source      ObservationSource
	ObservedAt  time.Time
}

func (ev *ChainEvent) String() string {
	return fmt.Sprintf("%+v", *ev)
}

// ChainTransaction is what get-transaction returns: the events decoded from one tx.
type ChainTransaction struct {
	Signature string
	Slot      uint64
	Failed    bool
	Events    []ChainEvent
}

// TransferType is declared by whoever initiates a transfer.
type TransferType string

const (
	TransferRedemption TransferType = "redemption"
	TransferRefund     TransferType = "refund"
	TransferFunding    TransferType = "funding"
	TransferAdmin      TransferType = "admin"
	TransferTest       TransferType = "test"
)

func ParseTransferType(s string) (TransferType, error) {
	t := TransferType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TransferRedemption, TransferRefund, TransferFunding, TransferAdmin, TransferTest:
		return t, nil
	}
	return "", fmt.Errorf("unknown transfer type %q", s)
}

// TransferMetadata is written by the service that initiates a transfer and read by
// the listener that later observes it.
type TransferMetadata struct {
	ChainTxSignature     string
	TransferType         TransferType
	ExpectedCounterparty string
	ExpectedAmount       decimal.Decimal
	CreatedAt            time.Time
}

type JSONTransferMetadata struct {
	ChainTxSignature     string `json:"chain_tx_signature"`
	TransferType         string `json:"transfer_type"`
	ExpectedCounterparty string `json:"expected_counterparty"`
	ExpectedAmount       string `json:"expected_amount"`
}
