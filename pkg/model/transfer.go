package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PriceStatus string

func (s PriceStatus) String() string {
	return string(s)
}

const (
	PricePending     PriceStatus = "pending"
	Priced           PriceStatus = "priced"
	PriceUnpriceable PriceStatus = "unpriceable"
)

// TransferEvent is one ERC-20 Transfer log. Everything except UsdValue,
// PriceStatus and PriceCheckedAt is immutable once written.
type TransferEvent struct {
	TxHash       string
	LogIndex     uint64
	BlockHeight  uint64
	Chain        string
	TokenAddress string
	TokenSymbol  string
	From         string
	To           string
	AmountRaw    string // base-10 uint256, scaled by Decimals
	Decimals     uint8
	OccurredAt   time.Time
	UsdValue     *decimal.Decimal
	PriceStatus  PriceStatus
}

// Amount descales AmountRaw by the token's decimals.
func (t TransferEvent) Amount() decimal.Decimal {
	raw, err := decimal.NewFromString(t.AmountRaw)
	if err != nil {
		return decimal.Zero
	}
	return raw.Shift(-int32(t.Decimals))
}

func Normalize(t *TransferEvent) *TransferEvent {
	t.TxHash = strings.ToLower(t.TxHash)
	t.TokenAddress = strings.ToLower(t.TokenAddress)
	t.From = strings.ToLower(t.From)
	t.To = strings.ToLower(t.To)
	return t
}

// ProcessedRange is the half-open block range (From, To] committed by one
// ingestion cycle. The zero value means the cycle was a no-op.
type ProcessedRange struct {
	From      uint64
	To        uint64
	Transfers int
}

func (r ProcessedRange) IsNoOp() bool {
	return r.To == 0
}
