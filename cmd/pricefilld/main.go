package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lrendina/blockchain-intel/internal/config"
	"github.com/lrendina/blockchain-intel/internal/db"
	"github.com/lrendina/blockchain-intel/internal/price"
	"github.com/lrendina/blockchain-intel/internal/rpc"
	"go.uber.org/zap"
)

var Version = "dev" // Overridden by release build script

const defaultPollInterval = time.Minute

func init() {
	logger := zap.Must(zap.NewProduction())
	if config.Get().LogZapMode == "development" {
		logger = zap.Must(zap.NewDevelopment())
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	zap.L().Info("Starting pricefilld...", zap.String("Version", Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Get()

	sqlitePath := cfg.SqliteDbPath
	if sqlitePath == "" {
		sqlitePath = "./db/sqlite/sqlite"
	}
	sqlite, err := db.OpenSqlite(sqlitePath)
	if err != nil {
		zap.L().Fatal("Failed to open SQLite", zap.Error(err))
	}

	catalogPath := cfg.CatalogDbPath
	if catalogPath == "" {
		catalogPath = "./db/badger/catalog"
	}
	badgerDb, err := db.OpenBadger(catalogPath)
	if err != nil {
		zap.L().Fatal("Failed to open catalog store", zap.Error(err))
	}

	source := price.NewCoinGeckoClient()
	catalog := price.NewTokenCatalog(badgerDb, source)
	worker := price.NewBackfillWorker(sqlite, catalog, source)

	streamID := cfg.Chain
	if streamID == "" {
		streamID = "base"
	}
	closeRpcServer := rpc.StartRPCServer(cfg.RPCPort, ctx, sqlite, streamID, worker.LastError)

	interval := defaultPollInterval
	if cfg.BackfillPollIntervalMs > 0 {
		interval = time.Duration(cfg.BackfillPollIntervalMs) * time.Millisecond
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx, interval); err != nil {
			zap.L().Error("Backfill loop exited with error", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	doneCh := make(chan struct{})

	go func() {
		<-sigCh
		zap.L().Info("Received shutdown signal, initiating graceful shutdown...")

		closeRpcServer()

		cancel()
		<-workerDone

		if err := badgerDb.Close(); err != nil {
			zap.L().Warn("Error closing catalog store", zap.Error(err))
		}
		if err := sqlite.Close(); err != nil {
			zap.L().Warn("Error closing DB", zap.Error(err))
		}

		close(doneCh)

		<-sigCh
		zap.L().Error("Received second signal, forcing shutdown")
		os.Exit(1)
	}()

	select {
	case <-ctx.Done():
	case <-doneCh:
	}

	zap.L().Info("Shutdown complete")
	_ = zap.L().Sync()
}
