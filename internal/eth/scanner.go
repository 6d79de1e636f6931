package eth

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lrendina/blockchain-intel/internal/config"
	"github.com/lrendina/blockchain-intel/internal/db"
	"github.com/lrendina/blockchain-intel/internal/metrics"
	"github.com/lrendina/blockchain-intel/internal/store"
	"github.com/lrendina/blockchain-intel/pkg/model"
	"github.com/lrendina/blockchain-intel/pkg/retry"
	"go.uber.org/zap"
)

const (
	defaultConfirmations = 5
	defaultBatchSize     = 100
	defaultStreamID      = "base"
	defaultCallTimeout   = 20 * time.Second

	// Cached block timestamps are immutable (the scan never goes past the
	// confirmation margin), so the cache is only reset to bound its size.
	blockTimeCacheLimit = 4096
)

// IngestionEngine drives the checkpointed block scan. One cycle reads the
// checkpoint, fetches transfer logs up to the confirmation-safe upper bound
// and commits the decoded events together with the new checkpoint in a single
// transaction. Blocks closer to the head than the confirmation depth are
// never touched, which is the sole reorg defense.
type IngestionEngine struct {
	client        EthClient
	decoder       TransferLogsDecoder
	metadata      TokenMetadataReader
	transferStore store.TransferStore
	sqlite        *sql.DB
	streamID      string
	confirmations uint64
	batchSize     uint64
	startBlock    uint64
	retryPolicy   retry.Policy
	callTimeout   time.Duration

	// Owned by the single scan loop, no locking.
	blockTimeCache map[uint64]time.Time

	mu      sync.Mutex
	lastErr string
}

func NewIngestionEngine(sqlite *sql.DB, client EthClient) *IngestionEngine {
	cfg := config.Get()
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = defaultConfirmations
	}
	batchSize := cfg.IngestBatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	streamID := cfg.Chain
	if streamID == "" {
		streamID = defaultStreamID
	}
	callTimeout := defaultCallTimeout
	if cfg.RequestTimeoutMs > 0 {
		callTimeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	}
	return &IngestionEngine{
		client:        client,
		decoder:       NewTransferLogsDecoder(streamID, cfg.StrictDecode),
		metadata:      NewTokenMetadataReader(client),
		transferStore: store.NewTransferStore(),
		sqlite:        sqlite,
		streamID:      streamID,
		confirmations: confirmations,
		batchSize:     batchSize,
		startBlock:    cfg.IngestStartBlock,
		retryPolicy:   retry.DefaultPolicy(),
		callTimeout:   callTimeout,
	}
}

// RunOnce performs one ingestion cycle and returns the committed range.
// A zero range means there was nothing safe to process yet.
func (e *IngestionEngine) RunOnce(ctx context.Context) (model.ProcessedRange, error) {
	var head uint64
	err := e.retryPolicy.Do(ctx, "eth_head", func() error {
		callCtx, cancel := callContext(ctx, e.callTimeout)
		defer cancel()
		var err error
		head, err = latestBlockNumber(callCtx, e.client)
		return err
	})
	if err != nil {
		return model.ProcessedRange{}, err
	}
	if head < e.confirmations {
		return model.ProcessedRange{}, nil
	}
	safeUpper := head - e.confirmations

	checkpoint, found, err := e.transferStore.GetCheckpoint(e.sqlite, e.streamID)
	if err != nil {
		return model.ProcessedRange{}, err
	}
	if !found {
		// First run: start at the safe tip, no deep backfill.
		start := e.startBlock
		if start == 0 || start > safeUpper {
			start = safeUpper
		}
		if err := e.transferStore.EnsureCheckpoint(e.sqlite, e.streamID, start); err != nil {
			return model.ProcessedRange{}, err
		}
		checkpoint = start
		zap.L().Info("Seeded checkpoint",
			zap.String("stream", e.streamID),
			zap.Uint64("height", start),
		)
	}

	if checkpoint >= safeUpper {
		return model.ProcessedRange{}, nil
	}

	to := checkpoint + e.batchSize
	if to > safeUpper {
		to = safeUpper
	}

	events, skipped, err := e.fetchAndDecode(ctx, checkpoint+1, to)
	if err != nil {
		return model.ProcessedRange{}, err
	}

	inserted, err := e.commit(ctx, events, checkpoint, to)
	if err != nil {
		return model.ProcessedRange{}, err
	}

	metrics.CheckpointHeight.WithLabelValues(e.streamID).Set(float64(to))
	metrics.BlocksProcessed.WithLabelValues(e.streamID).Add(float64(to - checkpoint))
	metrics.TransfersUpserted.WithLabelValues(e.streamID).Add(float64(inserted))
	metrics.LogsSkipped.WithLabelValues(e.streamID).Add(float64(skipped))

	zap.L().Info("Committed block range",
		zap.String("stream", e.streamID),
		zap.Uint64("from", checkpoint+1),
		zap.Uint64("to", to),
		zap.Int("transfers", len(events)),
		zap.Int64("inserted", inserted),
		zap.Int("skipped", skipped),
	)
	return model.ProcessedRange{From: checkpoint, To: to, Transfers: len(events)}, nil
}

func (e *IngestionEngine) fetchAndDecode(ctx context.Context, from, to uint64) ([]model.TransferEvent, int, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{{transferEventSig}},
	}
	var logs []types.Log
	err := e.retryPolicy.Do(ctx, "eth_getLogs", func() error {
		callCtx, cancel := callContext(ctx, e.callTimeout)
		defer cancel()
		var err error
		logs, err = e.client.FilterLogs(callCtx, query)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	blockTimes, err := e.fetchBlockTimes(ctx, logs)
	if err != nil {
		return nil, 0, err
	}

	events, skipped, err := e.decoder.Decode(logs, blockTimes)
	if err != nil {
		return nil, 0, err
	}

	enriched := make([]model.TransferEvent, 0, len(events))
	for _, event := range events {
		md, err := e.metadata.Metadata(ctx, common.HexToAddress(event.TokenAddress))
		if err != nil {
			return nil, 0, err
		}
		if md == nil {
			skipped++
			continue
		}
		event.TokenSymbol = md.Symbol
		event.Decimals = md.Decimals
		enriched = append(enriched, event)
	}
	return enriched, skipped, nil
}

func (e *IngestionEngine) fetchBlockTimes(ctx context.Context, logs []types.Log) (map[uint64]time.Time, error) {
	if e.blockTimeCache == nil || len(e.blockTimeCache) > blockTimeCacheLimit {
		e.blockTimeCache = make(map[uint64]time.Time)
	}

	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if _, seen := blockTimes[lg.BlockNumber]; seen {
			continue
		}
		if cached, found := e.blockTimeCache[lg.BlockNumber]; found {
			blockTimes[lg.BlockNumber] = cached
			continue
		}
		var header *types.Header
		err := e.retryPolicy.Do(ctx, "eth_getHeader", func() error {
			callCtx, cancel := callContext(ctx, e.callTimeout)
			defer cancel()
			var err error
			header, err = e.client.HeaderByNumber(callCtx, new(big.Int).SetInt64(int64(lg.BlockNumber)))
			return err
		})
		if err != nil {
			return nil, err
		}
		blockTime := time.Unix(int64(header.Time), 0).UTC()
		blockTimes[lg.BlockNumber] = blockTime
		e.blockTimeCache[lg.BlockNumber] = blockTime
	}
	return blockTimes, nil
}

func (e *IngestionEngine) commit(ctx context.Context, events []model.TransferEvent, from, to uint64) (int64, error) {
	return db.TxRunner(ctx, e.sqlite, func(tx *sql.Tx) (int64, error) {
		inserted, err := e.transferStore.UpsertTransfers(tx, events)
		if err != nil {
			return inserted, err
		}
		return inserted, e.transferStore.AdvanceCheckpoint(tx, e.streamID, from, to)
	})
}

// Run loops RunOnce until the context is canceled, sleeping only when there
// is nothing safe to process or a cycle failed.
func (e *IngestionEngine) Run(ctx context.Context, interval time.Duration) error {
	for {
		processed, err := e.RunOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			e.setLastErr(err)
			metrics.IngestCycleErrors.WithLabelValues(e.streamID).Inc()
			zap.L().Error("Ingestion cycle failed", zap.Error(err))
			if sleepInterrupted(ctx, interval) {
				return nil
			}
		case processed.IsNoOp():
			zap.L().Debug("No new blocks past the confirmation margin",
				zap.String("stream", e.streamID),
			)
			if sleepInterrupted(ctx, interval) {
				return nil
			}
		default:
			e.setLastErr(nil)
			// Still catching up; go straight into the next cycle.
		}
	}
}

func (e *IngestionEngine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *IngestionEngine) setLastErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.lastErr = ""
	} else {
		e.lastErr = err.Error()
	}
}

func sleepInterrupted(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
