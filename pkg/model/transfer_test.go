package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmountDescalesByDecimals(t *testing.T) {
	event := TransferEvent{AmountRaw: "1500000", Decimals: 6}
	assert.Equal(t, "1.5", event.Amount().String())

	event = TransferEvent{AmountRaw: "1000000000000000000", Decimals: 18}
	assert.Equal(t, "1", event.Amount().String())

	event = TransferEvent{AmountRaw: "0", Decimals: 6}
	assert.True(t, event.Amount().IsZero())
}

func TestAmountOnGarbageIsZero(t *testing.T) {
	event := TransferEvent{AmountRaw: "not-a-number", Decimals: 6}
	assert.True(t, event.Amount().IsZero())
}

func TestNormalizeLowercasesAddresses(t *testing.T) {
	event := &TransferEvent{
		TxHash:       "0xABCDEF",
		TokenAddress: "0xAAaa",
		From:         "0xBBbb",
		To:           "0xCCcc",
	}
	Normalize(event)
	assert.Equal(t, "0xabcdef", event.TxHash)
	assert.Equal(t, "0xaaaa", event.TokenAddress)
	assert.Equal(t, "0xbbbb", event.From)
	assert.Equal(t, "0xcccc", event.To)
}

func TestProcessedRangeNoOp(t *testing.T) {
	assert.True(t, ProcessedRange{}.IsNoOp())
	assert.False(t, ProcessedRange{From: 1000, To: 1005, Transfers: 3}.IsNoOp())
}
