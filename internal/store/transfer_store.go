package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lrendina/blockchain-intel/internal/db"
	"github.com/lrendina/blockchain-intel/pkg/model"
	"github.com/shopspring/decimal"
)

// ErrCheckpointConflict means another ingester advanced the checkpoint while
// this cycle was in flight. The cycle must abort; its upserts are idempotent.
var ErrCheckpointConflict = errors.New("checkpoint advanced concurrently")

type Executor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// TransferStore owns the token_transfers and pipeline_state tables.
//
// Methods that must be part of an ingestion commit take *sql.Tx so callers can
// compose them under db.TxRunner into a single atomic unit. Price writes are
// row-level compare-and-set statements and run on any Executor.
type TransferStore interface {
	UpsertTransfers(tx *sql.Tx, events []model.TransferEvent) (int64, error)
	GetCheckpoint(q db.QueryRunner, streamID string) (uint64, bool, error)
	EnsureCheckpoint(ex Executor, streamID string, height uint64) error
	AdvanceCheckpoint(tx *sql.Tx, streamID string, from, to uint64) error
	SelectUnpriced(q db.QueryRunner, limit int) ([]model.TransferEvent, error)
	UpdatePriceIfNull(ex Executor, txHash string, logIndex uint64, usd decimal.Decimal, checkedAt time.Time) (bool, error)
	MarkUnpriceable(ex Executor, txHash string, logIndex uint64, checkedAt time.Time) error
	RearmUnpriceable(ex Executor, olderThan time.Time) (int64, error)
	CountByPriceStatus(q db.QueryRunner) (map[model.PriceStatus]int64, error)
}

func NewTransferStore() TransferStore {
	return &TransferStoreImpl{}
}

type TransferStoreImpl struct{}

// UpsertTransfers inserts the events, silently skipping rows that already
// exist. Re-delivery after a crash therefore never duplicates or mutates a
// previously written row.
func (s *TransferStoreImpl) UpsertTransfers(tx *sql.Tx, events []model.TransferEvent) (int64, error) {
	var inserted int64
	for _, e := range events {
		res, err := tx.Exec(`
			INSERT INTO token_transfers (
				tx_hash, log_index, block_height, chain, token_address, token_symbol,
				from_address, to_address, amount_raw, decimals, occurred_at, price_status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tx_hash, log_index) DO NOTHING`,
			e.TxHash, e.LogIndex, e.BlockHeight, e.Chain, e.TokenAddress, e.TokenSymbol,
			e.From, e.To, e.AmountRaw, e.Decimals, e.OccurredAt.Unix(), string(model.PricePending))
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *TransferStoreImpl) GetCheckpoint(q db.QueryRunner, streamID string) (uint64, bool, error) {
	var height uint64
	err := q.QueryRow(`SELECT last_height FROM pipeline_state WHERE stream_id = ?`, streamID).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return height, true, nil
}

// EnsureCheckpoint seeds the stream's row if it does not exist yet.
func (s *TransferStoreImpl) EnsureCheckpoint(ex Executor, streamID string, height uint64) error {
	_, err := ex.Exec(`
		INSERT INTO pipeline_state (stream_id, last_height) VALUES (?, ?)
		ON CONFLICT (stream_id) DO NOTHING`,
		streamID, height)
	return err
}

// AdvanceCheckpoint moves the cursor from 'from' to 'to'. The WHERE clause
// compares against the height read at the start of the cycle, so a concurrent
// ingester that already advanced it makes this fail with ErrCheckpointConflict.
func (s *TransferStoreImpl) AdvanceCheckpoint(tx *sql.Tx, streamID string, from, to uint64) error {
	res, err := tx.Exec(`
		UPDATE pipeline_state SET last_height = ?
		WHERE stream_id = ? AND last_height = ?`,
		to, streamID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCheckpointConflict
	}
	return nil
}

// SelectUnpriced returns pending rows oldest-first so historical data is
// completed before recent data.
func (s *TransferStoreImpl) SelectUnpriced(q db.QueryRunner, limit int) ([]model.TransferEvent, error) {
	rows, err := q.Query(`
		SELECT tx_hash, log_index, block_height, chain, token_address, token_symbol,
			from_address, to_address, amount_raw, decimals, occurred_at, usd_value, price_status
		FROM token_transfers
		WHERE price_status = ?
		ORDER BY block_height ASC, tx_hash ASC, log_index ASC
		LIMIT ?`,
		string(model.PricePending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

// UpdatePriceIfNull assigns the USD value only if the row is still unpriced.
// Returns false when a concurrent worker won the race; nothing is overwritten.
func (s *TransferStoreImpl) UpdatePriceIfNull(ex Executor, txHash string, logIndex uint64, usd decimal.Decimal, checkedAt time.Time) (bool, error) {
	res, err := ex.Exec(`
		UPDATE token_transfers
		SET usd_value = ?, price_status = ?, price_checked_at = ?
		WHERE tx_hash = ? AND log_index = ? AND usd_value IS NULL AND price_status = ?`,
		usd.String(), string(model.Priced), checkedAt.Unix(),
		txHash, logIndex, string(model.PricePending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkUnpriceable flags a row whose token has no resolvable price, so the
// backfill scan stops picking it up until the re-check TTL clears it.
func (s *TransferStoreImpl) MarkUnpriceable(ex Executor, txHash string, logIndex uint64, checkedAt time.Time) error {
	_, err := ex.Exec(`
		UPDATE token_transfers
		SET price_status = ?, price_checked_at = ?
		WHERE tx_hash = ? AND log_index = ? AND usd_value IS NULL`,
		string(model.PriceUnpriceable), checkedAt.Unix(),
		txHash, logIndex)
	return err
}

// RearmUnpriceable clears the unpriceable sentinel on rows whose last check is
// older than the cutoff, returning them to the backfill scan.
func (s *TransferStoreImpl) RearmUnpriceable(ex Executor, olderThan time.Time) (int64, error) {
	res, err := ex.Exec(`
		UPDATE token_transfers
		SET price_status = ?
		WHERE price_status = ? AND price_checked_at < ?`,
		string(model.PricePending), string(model.PriceUnpriceable), olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *TransferStoreImpl) CountByPriceStatus(q db.QueryRunner) (map[model.PriceStatus]int64, error) {
	rows, err := q.Query(`SELECT price_status, COUNT(*) FROM token_transfers GROUP BY price_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.PriceStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[model.PriceStatus(status)] = count
	}
	return counts, rows.Err()
}

// scanTransfers is a helper to parse SQL rows into a slice of TransferEvents.
func scanTransfers(rows *sql.Rows) ([]model.TransferEvent, error) {
	var transfers []model.TransferEvent
	for rows.Next() {
		var t model.TransferEvent
		var symbol sql.NullString
		var occurredAt int64
		var usd sql.NullString
		var status string
		err := rows.Scan(
			&t.TxHash, &t.LogIndex, &t.BlockHeight, &t.Chain, &t.TokenAddress, &symbol,
			&t.From, &t.To, &t.AmountRaw, &t.Decimals, &occurredAt, &usd, &status,
		)
		if err != nil {
			return nil, err
		}
		t.TokenSymbol = symbol.String
		t.OccurredAt = time.Unix(occurredAt, 0).UTC()
		t.PriceStatus = model.PriceStatus(status)
		if usd.Valid {
			value, err := decimal.NewFromString(usd.String)
			if err != nil {
				return nil, err
			}
			t.UsdValue = &value
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
