package eth

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lrendina/blockchain-intel/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBlockTime = time.Unix(1_700_000_000, 0).UTC()

func makeTransferLog(block uint64, logIndex uint, amount *big.Int) types.Log {
	data := make([]byte, 32)
	amount.FillBytes(data)
	return types.Log{
		Address: common.HexToAddress("0x4200000000000000000000000000000000000006"),
		Topics: []common.Hash{
			transferEventSig,
			common.HexToHash("0x000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			common.HexToHash("0x000000000000000000000000bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xc0ffee"),
		Index:       logIndex,
	}
}

func TestDecodeValidTransfer(t *testing.T) {
	decoder := NewTransferLogsDecoder("base", false)
	blockTimes := map[uint64]time.Time{1003: testBlockTime}

	events, skipped, err := decoder.Decode([]types.Log{makeTransferLog(1003, 7, big.NewInt(1_500_000))}, blockTimes)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, uint64(1003), event.BlockHeight)
	assert.Equal(t, uint64(7), event.LogIndex)
	assert.Equal(t, "base", event.Chain)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", event.From)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", event.To)
	assert.Equal(t, "1500000", event.AmountRaw)
	assert.Equal(t, testBlockTime, event.OccurredAt)
	assert.Equal(t, model.PricePending, event.PriceStatus)
	// Addresses and hashes are normalized to lowercase.
	assert.Equal(t, "0x4200000000000000000000000000000000000006", event.TokenAddress)
}

func TestDecodeEmptyDataMeansZeroAmount(t *testing.T) {
	decoder := NewTransferLogsDecoder("base", false)
	lg := makeTransferLog(1003, 0, big.NewInt(0))
	lg.Data = nil

	events, skipped, err := decoder.Decode([]types.Log{lg}, map[uint64]time.Time{1003: testBlockTime})
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 1)
	assert.Equal(t, "0", events[0].AmountRaw)
}

func TestDecodeSkipsMalformedLog(t *testing.T) {
	decoder := NewTransferLogsDecoder("base", false)
	malformed := makeTransferLog(1003, 1, big.NewInt(1))
	malformed.Topics = malformed.Topics[:2]

	events, skipped, err := decoder.Decode(
		[]types.Log{malformed, makeTransferLog(1003, 2, big.NewInt(5))},
		map[uint64]time.Time{1003: testBlockTime},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].LogIndex)
}

func TestDecodeStrictModeFailsOnMalformedLog(t *testing.T) {
	decoder := NewTransferLogsDecoder("base", true)
	malformed := makeTransferLog(1003, 1, big.NewInt(1))
	malformed.Data = []byte{0x01, 0x02}

	_, _, err := decoder.Decode([]types.Log{malformed}, map[uint64]time.Time{1003: testBlockTime})
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestDecodeIgnoresNFTTransfers(t *testing.T) {
	decoder := NewTransferLogsDecoder("base", false)
	nft := makeTransferLog(1003, 1, big.NewInt(1))
	// ERC-721 indexes the token id as a fourth topic.
	nft.Topics = append(nft.Topics, common.HexToHash("0x01"))
	nft.Data = nil

	events, skipped, err := decoder.Decode([]types.Log{nft}, map[uint64]time.Time{1003: testBlockTime})
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Empty(t, events)
}

func TestDecodeFailsWithoutBlockTimestamp(t *testing.T) {
	decoder := NewTransferLogsDecoder("base", false)

	events, skipped, err := decoder.Decode(
		[]types.Log{makeTransferLog(1003, 1, big.NewInt(1))},
		map[uint64]time.Time{},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Empty(t, events)
}
