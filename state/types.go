package state

import (
	"time"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/shopspring/decimal"
)

// Transaction is the durable record of one logical bridge transaction.
// TxID is the stable logical id, usually the source chain signature.
type Transaction struct {
	TxID         string
	Kind         Kind
	Counterparty string
	Destination  string
	Amount       decimal.Decimal
	SourceAsset  agreement.Asset
	DestAsset    agreement.Asset
	SourceTxRef  string
	DestTxRef    string
	Status       Status
	Retryable    bool
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type JSONTransaction struct {
	TxID         string `json:"tx_id"`
	Kind         string `json:"kind"`
	Counterparty string `json:"counterparty"`
	Destination  string `json:"destination"`
	Amount       string `json:"amount"`
	SourceAsset  string `json:"source_asset"`
	DestAsset    string `json:"dest_asset"`
	SourceTxRef  string `json:"source_tx_ref"`
	DestTxRef    string `json:"dest_tx_ref"`
	Status       string `json:"status"`
	Retryable    bool   `json:"retryable"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (t *Transaction) ToJSON() *JSONTransaction {
	return &JSONTransaction{
		TxID:         t.TxID,
		Kind:         string(t.Kind),
		Counterparty: t.Counterparty,
		Destination:  t.Destination,
		Amount:       t.Amount.String(),
		SourceAsset:  string(t.SourceAsset),
		DestAsset:    string(t.DestAsset),
		SourceTxRef:  t.SourceTxRef,
		DestTxRef:    t.DestTxRef,
		Status:       string(t.Status),
		Retryable:    t.Retryable,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt.Unix(),
		UpdatedAt:    t.UpdatedAt.Unix(),
	}
}
