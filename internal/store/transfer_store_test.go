package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/lrendina/blockchain-intel/internal/db"
	"github.com/lrendina/blockchain-intel/internal/db/testdb"
	"github.com/lrendina/blockchain-intel/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (TransferStore, *sql.DB, func()) {
	sqlite, cleanup := testdb.SetupTestDB(t)
	return NewTransferStore(), sqlite, cleanup
}

func makeTransfer(height uint64, logIndex uint64) model.TransferEvent {
	return model.TransferEvent{
		TxHash:       fmt.Sprintf("0xhash%d", height),
		LogIndex:     logIndex,
		BlockHeight:  height,
		Chain:        "base",
		TokenAddress: "0xtoken",
		TokenSymbol:  "TKN",
		From:         "0xfrom",
		To:           "0xto",
		AmountRaw:    "1500000",
		Decimals:     6,
		OccurredAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func upsert(t *testing.T, sqlite *sql.DB, ts TransferStore, events ...model.TransferEvent) int64 {
	t.Helper()
	inserted, err := db.TxRunner(context.Background(), sqlite, func(tx *sql.Tx) (int64, error) {
		return ts.UpsertTransfers(tx, events)
	})
	require.NoError(t, err)
	return inserted
}

func TestUpsertTransfersIsIdempotent(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	event := makeTransfer(100, 1)
	assert.Equal(t, int64(1), upsert(t, sqlite, ts, event))

	// Re-delivery of the same (tx_hash, log_index) must be a no-op.
	assert.Equal(t, int64(0), upsert(t, sqlite, ts, event))

	var count int
	require.NoError(t, sqlite.QueryRow(`SELECT COUNT(*) FROM token_transfers`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUpsertTransfersNeverMutatesExistingRows(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	event := makeTransfer(100, 1)
	upsert(t, sqlite, ts, event)

	// Same key, different payload: the original row must win.
	altered := event
	altered.AmountRaw = "999999"
	altered.To = "0xsomeoneelse"
	upsert(t, sqlite, ts, altered)

	var amountRaw, to string
	require.NoError(t, sqlite.QueryRow(
		`SELECT amount_raw, to_address FROM token_transfers WHERE tx_hash = ? AND log_index = ?`,
		event.TxHash, event.LogIndex).Scan(&amountRaw, &to))
	assert.Equal(t, "1500000", amountRaw)
	assert.Equal(t, "0xto", to)
}

func TestCheckpointLifecycle(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	_, found, err := ts.GetCheckpoint(sqlite, "base")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ts.EnsureCheckpoint(sqlite, "base", 1000))
	// Second Ensure must not reset an existing cursor.
	require.NoError(t, ts.EnsureCheckpoint(sqlite, "base", 0))

	height, found, err := ts.GetCheckpoint(sqlite, "base")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1000), height)

	_, err = db.TxRunner(context.Background(), sqlite, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, ts.AdvanceCheckpoint(tx, "base", 1000, 1005)
	})
	require.NoError(t, err)

	height, _, err = ts.GetCheckpoint(sqlite, "base")
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), height)
}

func TestAdvanceCheckpointDetectsConcurrentAdvance(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	require.NoError(t, ts.EnsureCheckpoint(sqlite, "base", 1005))

	// A cycle that read height 1000 before another instance advanced to 1005
	// must fail its commit.
	_, err := db.TxRunner(context.Background(), sqlite, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, ts.AdvanceCheckpoint(tx, "base", 1000, 1010)
	})
	assert.ErrorIs(t, err, ErrCheckpointConflict)

	height, _, err := ts.GetCheckpoint(sqlite, "base")
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), height)
}

func TestCheckpointConflictRollsBackEventWrites(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	require.NoError(t, ts.EnsureCheckpoint(sqlite, "base", 1005))

	_, err := db.TxRunner(context.Background(), sqlite, func(tx *sql.Tx) (int64, error) {
		inserted, err := ts.UpsertTransfers(tx, []model.TransferEvent{makeTransfer(1001, 0)})
		if err != nil {
			return inserted, err
		}
		return inserted, ts.AdvanceCheckpoint(tx, "base", 1000, 1001)
	})
	assert.ErrorIs(t, err, ErrCheckpointConflict)

	var count int
	require.NoError(t, sqlite.QueryRow(`SELECT COUNT(*) FROM token_transfers`).Scan(&count))
	assert.Equal(t, 0, count, "events and checkpoint advance must commit or roll back together")
}

func TestSelectUnpricedOldestFirst(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	upsert(t, sqlite, ts, makeTransfer(300, 0), makeTransfer(100, 0), makeTransfer(200, 0))

	unpriced, err := ts.SelectUnpriced(sqlite, 2)
	require.NoError(t, err)
	require.Len(t, unpriced, 2)
	assert.Equal(t, uint64(100), unpriced[0].BlockHeight)
	assert.Equal(t, uint64(200), unpriced[1].BlockHeight)
	assert.Equal(t, model.PricePending, unpriced[0].PriceStatus)
	assert.Equal(t, "1500000", unpriced[0].AmountRaw)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), unpriced[0].OccurredAt)
}

func TestUpdatePriceIfNullRace(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	event := makeTransfer(100, 1)
	upsert(t, sqlite, ts, event)

	now := time.Now().UTC()
	first := decimal.RequireFromString("3")
	ok, err := ts.UpdatePriceIfNull(sqlite, event.TxHash, event.LogIndex, first, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// The losing worker observes false and must not overwrite.
	ok, err = ts.UpdatePriceIfNull(sqlite, event.TxHash, event.LogIndex, decimal.RequireFromString("99"), now)
	require.NoError(t, err)
	assert.False(t, ok)

	var usd string
	var status string
	require.NoError(t, sqlite.QueryRow(
		`SELECT usd_value, price_status FROM token_transfers WHERE tx_hash = ? AND log_index = ?`,
		event.TxHash, event.LogIndex).Scan(&usd, &status))
	assert.Equal(t, "3", usd)
	assert.Equal(t, "priced", status)

	unpriced, err := ts.SelectUnpriced(sqlite, 10)
	require.NoError(t, err)
	assert.Empty(t, unpriced)
}

func TestUnpriceableSentinelAndRearm(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	event := makeTransfer(100, 1)
	upsert(t, sqlite, ts, event)

	checkedAt := time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, ts.MarkUnpriceable(sqlite, event.TxHash, event.LogIndex, checkedAt))

	// Sentinel rows are skipped by the scan.
	unpriced, err := ts.SelectUnpriced(sqlite, 10)
	require.NoError(t, err)
	assert.Empty(t, unpriced)

	counts, err := ts.CountByPriceStatus(sqlite)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.PriceUnpriceable])

	// A cutoff newer than the last check re-arms the row.
	rearmed, err := ts.RearmUnpriceable(sqlite, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rearmed)

	unpriced, err = ts.SelectUnpriced(sqlite, 10)
	require.NoError(t, err)
	assert.Len(t, unpriced, 1)
}

func TestRearmUnpriceableLeavesFreshRowsAlone(t *testing.T) {
	ts, sqlite, cleanup := setupStore(t)
	defer cleanup()

	event := makeTransfer(100, 1)
	upsert(t, sqlite, ts, event)
	require.NoError(t, ts.MarkUnpriceable(sqlite, event.TxHash, event.LogIndex, time.Now().UTC()))

	rearmed, err := ts.RearmUnpriceable(sqlite, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), rearmed)
}
