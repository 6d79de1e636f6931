package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lrendina/blockchain-intel/internal/config"
)

var CreateEthClient = createEthClient

// EthClient is the read-only JSON-RPC surface the pipeline needs. All calls
// are idempotent reads and safe to retry with identical arguments.
type EthClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

func createEthClient() (EthClient, error) {
	nodeUrl := config.Get().EthereumNodeUrl
	if nodeUrl == "" {
		return nil, errors.New("failed to configure Ethereum client - EthereumNodeUrl is not set")
	}
	client, err := ethclient.Dial(nodeUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to configure Ethereum client - %w", err)
	}
	return client, nil
}

// callContext bounds one outbound RPC call. A zero timeout leaves the caller's
// context untouched.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func latestBlockNumber(ctx context.Context, client EthClient) (uint64, error) {
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}
