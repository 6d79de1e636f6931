package eth

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lrendina/blockchain-intel/pkg/model"
	"go.uber.org/zap"
)

var ErrMalformedLog = errors.New("malformed transfer log")

// keccak256("Transfer(address,address,uint256)")
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

type TransferLogsDecoder interface {
	// Decode turns raw logs into TransferEvents. blockTimes maps block height
	// to block timestamp. The second return value is the number of logs
	// skipped as data-quality events; in strict mode the first malformed log
	// fails the whole call instead.
	Decode(logs []types.Log, blockTimes map[uint64]time.Time) ([]model.TransferEvent, int, error)
}

func NewTransferLogsDecoder(chain string, strict bool) *DefaultTransferLogsDecoder {
	return &DefaultTransferLogsDecoder{chain: chain, strict: strict}
}

type DefaultTransferLogsDecoder struct {
	chain  string
	strict bool
}

func (d *DefaultTransferLogsDecoder) Decode(logs []types.Log, blockTimes map[uint64]time.Time) ([]model.TransferEvent, int, error) {
	var events []model.TransferEvent
	skipped := 0
	for _, lg := range logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != transferEventSig {
			continue
		}
		// ERC-721 shares the Transfer signature but indexes the token id as a
		// fourth topic. NFT transfers carry no fungible amount; not ours.
		if len(lg.Topics) == 4 {
			continue
		}
		event, err := d.decodeTransfer(lg, blockTimes)
		if err != nil {
			if d.strict {
				return nil, skipped, err
			}
			skipped++
			zap.L().Warn("Skipping undecodable transfer log",
				zap.String("tx", lg.TxHash.Hex()),
				zap.Uint("logIndex", lg.Index),
				zap.Error(err),
			)
			continue
		}
		events = append(events, event)
	}
	return events, skipped, nil
}

func (d *DefaultTransferLogsDecoder) decodeTransfer(lg types.Log, blockTimes map[uint64]time.Time) (model.TransferEvent, error) {
	if len(lg.Topics) != 3 {
		return model.TransferEvent{}, fmt.Errorf("%w: expected 3 topics, got %d", ErrMalformedLog, len(lg.Topics))
	}
	if len(lg.Data) != 0 && len(lg.Data) != 32 {
		return model.TransferEvent{}, fmt.Errorf("%w: unexpected data length %d", ErrMalformedLog, len(lg.Data))
	}
	blockTime, ok := blockTimes[lg.BlockNumber]
	if !ok {
		return model.TransferEvent{}, fmt.Errorf("%w: no timestamp for block %d", ErrMalformedLog, lg.BlockNumber)
	}

	from := common.HexToAddress(lg.Topics[1].Hex())
	to := common.HexToAddress(lg.Topics[2].Hex())
	amount := new(big.Int).SetBytes(lg.Data)

	event := model.TransferEvent{
		TxHash:       lg.TxHash.Hex(),
		LogIndex:     uint64(lg.Index),
		BlockHeight:  lg.BlockNumber,
		Chain:        d.chain,
		TokenAddress: lg.Address.Hex(),
		From:         from.Hex(),
		To:           to.Hex(),
		AmountRaw:    amount.String(),
		OccurredAt:   blockTime.UTC(),
		PriceStatus:  model.PricePending,
	}
	return *model.Normalize(&event), nil
}
