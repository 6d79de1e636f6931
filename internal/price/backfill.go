package price

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lrendina/blockchain-intel/internal/config"
	"github.com/lrendina/blockchain-intel/internal/metrics"
	"github.com/lrendina/blockchain-intel/internal/store"
	"github.com/lrendina/blockchain-intel/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultBackfillBatch = 50
	defaultRecheckTtl    = 168 * time.Hour
)

// BackfillWorker assigns USD valuations to unpriced transfer rows. It runs
// independently of ingestion and competes with other workers only through
// row-level compare-and-set updates, so duplicates are harmless.
type BackfillWorker struct {
	sqlite        *sql.DB
	transferStore store.TransferStore
	catalog       TokenCatalog
	source        PriceSource
	streamID      string
	batchSize     int
	recheckTtl    time.Duration

	mu      sync.Mutex
	lastErr string
}

func NewBackfillWorker(sqlite *sql.DB, catalog TokenCatalog, source PriceSource) *BackfillWorker {
	cfg := config.Get()
	batchSize := int(cfg.BackfillBatchSize)
	if batchSize == 0 {
		batchSize = defaultBackfillBatch
	}
	recheckTtl := defaultRecheckTtl
	if cfg.PriceRecheckTtlHours > 0 {
		recheckTtl = time.Duration(cfg.PriceRecheckTtlHours) * time.Hour
	}
	streamID := cfg.Chain
	if streamID == "" {
		streamID = "base"
	}
	return &BackfillWorker{
		sqlite:        sqlite,
		transferStore: store.NewTransferStore(),
		catalog:       catalog,
		source:        source,
		streamID:      streamID,
		batchSize:     batchSize,
		recheckTtl:    recheckTtl,
	}
}

// RunOnce prices up to maxRows pending rows, oldest first, and returns how
// many rows it updated. Hitting the price index quota ends the run early with
// ErrRateLimited; rows already updated stay updated and the rest are retried
// on the next scheduled run.
func (w *BackfillWorker) RunOnce(ctx context.Context, maxRows int) (int, error) {
	rearmed, err := w.transferStore.RearmUnpriceable(w.sqlite, time.Now().Add(-w.recheckTtl))
	if err != nil {
		return 0, err
	}
	if rearmed > 0 {
		zap.L().Info("Re-armed unpriceable rows for another attempt", zap.Int64("rows", rearmed))
	}

	rows, err := w.transferStore.SelectUnpriced(w.sqlite, maxRows)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		w.updateRowGauges()
		return 0, nil
	}

	// One historical lookup covers every transfer of the same token on the
	// same day, so cache per (coin id, date) within the run.
	pricesByDay := make(map[string]*decimal.Decimal)
	updated := 0
	// Rows are independent; a store failure on one row must not sink the
	// rest of the batch. The first such error is still surfaced.
	var rowErr error

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		entry, found, err := w.catalog.Lookup(ctx, row.TokenAddress)
		if errors.Is(err, ErrRateLimited) {
			metrics.RateLimitPauses.Inc()
			return updated, err
		}
		if err != nil {
			return updated, err
		}
		if !found {
			metrics.PriceLookups.WithLabelValues("unknown_token").Inc()
			if err := w.markUnpriceable(row); err != nil {
				rowErr = w.noteRowErr(rowErr, row, err)
			}
			continue
		}

		date := HistoryDate(row.OccurredAt)
		key := entry.ID + "|" + date
		unitPrice, cached := pricesByDay[key]
		if !cached {
			unitPrice, err = w.source.HistoricalPrice(ctx, entry.ID, date)
			if errors.Is(err, ErrRateLimited) {
				metrics.RateLimitPauses.Inc()
				return updated, err
			}
			if err != nil {
				metrics.PriceLookups.WithLabelValues("error").Inc()
				return updated, err
			}
			pricesByDay[key] = unitPrice
		}

		if unitPrice == nil {
			metrics.PriceLookups.WithLabelValues("no_data").Inc()
			if err := w.markUnpriceable(row); err != nil {
				rowErr = w.noteRowErr(rowErr, row, err)
			}
			continue
		}
		metrics.PriceLookups.WithLabelValues("ok").Inc()

		usd := row.Amount().Mul(*unitPrice)
		won, err := w.transferStore.UpdatePriceIfNull(w.sqlite, row.TxHash, row.LogIndex, usd, time.Now())
		if err != nil {
			rowErr = w.noteRowErr(rowErr, row, err)
			continue
		}
		if !won {
			// A concurrent worker priced this row first.
			zap.L().Debug("Lost pricing race for row",
				zap.String("txHash", row.TxHash),
				zap.Uint64("logIndex", row.LogIndex),
			)
			continue
		}
		updated++
		metrics.RowsPriced.WithLabelValues(w.streamID).Inc()
	}

	w.updateRowGauges()
	zap.L().Info("Backfill run complete",
		zap.Int("candidates", len(rows)),
		zap.Int("priced", updated),
	)
	return updated, rowErr
}

func (w *BackfillWorker) markUnpriceable(row model.TransferEvent) error {
	return w.transferStore.MarkUnpriceable(w.sqlite, row.TxHash, row.LogIndex, time.Now())
}

func (w *BackfillWorker) noteRowErr(rowErr error, row model.TransferEvent, err error) error {
	zap.L().Warn("Skipping row after store error",
		zap.String("txHash", row.TxHash),
		zap.Uint64("logIndex", row.LogIndex),
		zap.Error(err),
	)
	if rowErr == nil {
		return err
	}
	return rowErr
}

func (w *BackfillWorker) updateRowGauges() {
	counts, err := w.transferStore.CountByPriceStatus(w.sqlite)
	if err != nil {
		zap.L().Warn("Failed to count rows by price status", zap.Error(err))
		return
	}
	for _, status := range []model.PriceStatus{model.PricePending, model.Priced, model.PriceUnpriceable} {
		metrics.UnpricedRows.WithLabelValues(w.streamID, string(status)).Set(float64(counts[status]))
	}
}

// Run loops RunOnce on a fixed interval until the context is canceled. Rate
// limiting pauses the current run only; the next tick picks up where it left
// off.
func (w *BackfillWorker) Run(ctx context.Context, interval time.Duration) error {
	for {
		_, err := w.RunOnce(ctx, w.batchSize)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, ErrRateLimited):
			w.setLastErr(err)
			zap.L().Warn("Pausing backfill until next run after rate limit")
		case err != nil:
			w.setLastErr(err)
			zap.L().Error("Backfill run failed", zap.Error(err))
		default:
			w.setLastErr(nil)
		}
		if sleepInterrupted(ctx, interval) {
			return nil
		}
	}
}

func (w *BackfillWorker) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *BackfillWorker) setLastErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.lastErr = ""
	} else {
		w.lastErr = err.Error()
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
