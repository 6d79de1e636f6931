package eth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lrendina/blockchain-intel/internal/config"
	"github.com/lrendina/blockchain-intel/pkg/retry"
	"go.uber.org/zap"
)

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(`[
	{
		"constant": true,
		"inputs": [],
		"name": "symbol",
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	}
	]`))
	if err != nil {
		panic("failed to parse ERC20 ABI")
	}
	erc20ABI = parsed
}

type TokenMetadata struct {
	Symbol   string
	Decimals uint8
}

// TokenMetadataReader resolves a token contract's symbol and decimals.
// A (nil, nil) result means the contract does not answer the ERC-20 metadata
// calls (the calls revert or return unparseable bytes; both are optional per
// the standard); that verdict is cached so the contract is not asked again.
// An error is a transient RPC failure and does not poison the cache.
type TokenMetadataReader interface {
	Metadata(ctx context.Context, token common.Address) (*TokenMetadata, error)
}

func NewTokenMetadataReader(client EthClient) *DefaultTokenMetadataReader {
	timeout := defaultCallTimeout
	if ms := config.Get().RequestTimeoutMs; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &DefaultTokenMetadataReader{
		client:      client,
		retryPolicy: retry.DefaultPolicy(),
		callTimeout: timeout,
		cache:       make(map[common.Address]*TokenMetadata),
	}
}

type DefaultTokenMetadataReader struct {
	client      EthClient
	retryPolicy retry.Policy
	callTimeout time.Duration
	mu          sync.Mutex
	cache       map[common.Address]*TokenMetadata
}

func (r *DefaultTokenMetadataReader) Metadata(ctx context.Context, token common.Address) (*TokenMetadata, error) {
	r.mu.Lock()
	cached, found := r.cache[token]
	r.mu.Unlock()
	if found {
		return cached, nil
	}

	symbolOut, err := r.call(ctx, token, "symbol")
	if isExecutionRevert(err) {
		return r.storeVerdict(token, nil), nil
	}
	if err != nil {
		return nil, err
	}
	decimalsOut, err := r.call(ctx, token, "decimals")
	if isExecutionRevert(err) {
		return r.storeVerdict(token, nil), nil
	}
	if err != nil {
		return nil, err
	}

	return r.storeVerdict(token, unpackMetadata(symbolOut, decimalsOut)), nil
}

func (r *DefaultTokenMetadataReader) storeVerdict(token common.Address, metadata *TokenMetadata) *TokenMetadata {
	if metadata == nil {
		zap.L().Warn("Token does not expose ERC20 metadata", zap.String("token", token.Hex()))
	}
	r.mu.Lock()
	r.cache[token] = metadata
	r.mu.Unlock()
	return metadata
}

func (r *DefaultTokenMetadataReader) call(ctx context.Context, token common.Address, method string) ([]byte, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = r.retryPolicy.Do(ctx, "eth_call", func() error {
		callCtx, cancel := callContext(ctx, r.callTimeout)
		defer cancel()
		var err error
		out, err = r.client.CallContract(callCtx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	return out, err
}

// isExecutionRevert reports whether the error is the contract refusing the
// call rather than the node failing to serve it. Reverts are a property of the
// contract and never resolve on retry.
func isExecutionRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "vm execution error")
}

func unpackMetadata(symbolOut, decimalsOut []byte) *TokenMetadata {
	symbolValues, err := erc20ABI.Unpack("symbol", symbolOut)
	if err != nil || len(symbolValues) != 1 {
		return nil
	}
	symbol, ok := symbolValues[0].(string)
	if !ok {
		return nil
	}

	decimalsValues, err := erc20ABI.Unpack("decimals", decimalsOut)
	if err != nil || len(decimalsValues) != 1 {
		return nil
	}
	decimals, ok := decimalsValues[0].(uint8)
	if !ok {
		return nil
	}

	return &TokenMetadata{Symbol: symbol, Decimals: decimals}
}
