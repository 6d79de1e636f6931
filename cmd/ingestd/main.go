package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lrendina/blockchain-intel/internal/config"
	"github.com/lrendina/blockchain-intel/internal/db"
	"github.com/lrendina/blockchain-intel/internal/eth"
	"github.com/lrendina/blockchain-intel/internal/rpc"
	"go.uber.org/zap"
)

var Version = "dev" // Overridden by release build script

const defaultPollInterval = 12 * time.Second

func init() {
	logger := zap.Must(zap.NewProduction())
	if config.Get().LogZapMode == "development" {
		logger = zap.Must(zap.NewDevelopment())
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	zap.L().Info("Starting ingestd...", zap.String("Version", Version))

	// Main context: canceled when we want to stop normal operation
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

	client, err := eth.CreateEthClient()
	if err != nil {
		zap.L().Fatal("Failed to create Ethereum client", zap.Error(err))
	}

	engine := eth.NewIngestionEngine(sqlite, client)

	streamID := cfg.Chain
	if streamID == "" {
		streamID = "base"
	}
	closeRpcServer := rpc.StartRPCServer(cfg.RPCPort, ctx, sqlite, streamID, engine.LastError)

	interval := defaultPollInterval
	if cfg.IngestPollIntervalMs > 0 {
		interval = time.Duration(cfg.IngestPollIntervalMs) * time.Millisecond
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx, interval); err != nil {
			zap.L().Error("Ingestion loop exited with error", zap.Error(err))
			cancel()
		}
	}()

	// Catch up to two signals: first for graceful, second to force
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	doneCh := make(chan struct{})

	go func() {
		<-sigCh
		zap.L().Info("Received shutdown signal, initiating graceful shutdown...")

		// 1. Stop new requests on RPC
		closeRpcServer()

		// 2. Cancel main context, telling the scan loop to stop
		cancel()
		<-engineDone

		// 3. Close the Ethereum client
		client.Close()

		// 4. Close DB
		if err := sqlite.Close(); err != nil {
			zap.L().Warn("Error closing DB", zap.Error(err))
		}

		// 5. Signal that cleanup is done
		close(doneCh)

		// If a second signal arrives, force an immediate exit
		<-sigCh
		zap.L().Error("Received second signal, forcing shutdown")
		os.Exit(1)
	}()

	// Wait for either normal context cancellation or graceful shutdown completion
	select {
	case <-ctx.Done():
	case <-doneCh:
	}

	zap.L().Info("Shutdown complete")
	_ = zap.L().Sync()
}
