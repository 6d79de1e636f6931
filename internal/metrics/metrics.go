package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckpointHeight tracks the last fully committed block per stream
	CheckpointHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_checkpoint_height",
			Help: "Last block height fully processed and committed",
		},
		[]string{"stream"},
	)

	// BlocksProcessed counts blocks scanned for transfer logs
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_blocks_processed_total",
			Help: "Total number of blocks scanned",
		},
		[]string{"stream"},
	)

	// TransfersUpserted counts transfer rows written (duplicates excluded)
	TransfersUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_transfers_upserted_total",
			Help: "Total number of transfer events persisted",
		},
		[]string{"stream"},
	)

	// LogsSkipped counts undecodable logs dropped as data-quality events
	LogsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_logs_skipped_total",
			Help: "Total number of logs skipped as undecodable",
		},
		[]string{"stream"},
	)

	// IngestCycleErrors counts failed ingestion cycles
	IngestCycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_ingest_cycle_errors_total",
			Help: "Total number of ingestion cycles that failed",
		},
		[]string{"stream"},
	)

	// UnpricedRows tracks rows still waiting for a USD valuation
	UnpricedRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_unpriced_rows",
			Help: "Number of transfer rows by price status",
		},
		[]string{"stream", "status"},
	)

	// PriceLookups counts historical price lookups by outcome
	PriceLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_price_lookups_total",
			Help: "Total number of price index lookups",
		},
		[]string{"outcome"},
	)

	// RateLimitPauses counts backfill runs cut short by the price index quota
	RateLimitPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_rate_limit_pauses_total",
			Help: "Total number of backfill runs paused on rate limiting",
		},
	)

	// RowsPriced counts rows that received a USD valuation
	RowsPriced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rows_priced_total",
			Help: "Total number of transfer rows priced",
		},
		[]string{"stream"},
	)
)
