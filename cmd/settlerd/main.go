package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gigchain/chain"
	"gigchain/config"
	"gigchain/gateway"
	"gigchain/ledger"
	"gigchain/notify"
	"gigchain/observability/logging"
	"gigchain/recon"
	"gigchain/settlement"
	"gigchain/verify"
)

func main() {
	configPath := flag.String("config", "", "path to settlerd TOML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "settlerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("settlerd", cfg.Service.Environment, logging.Options{
		File:       cfg.Service.LogFile,
		MaxSizeMB:  cfg.Service.LogMaxSizeMB,
		MaxBackups: cfg.Service.LogMaxBackups,
		Level:      cfg.Service.LogLevel,
	})

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := settlement.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate settlement schema: %w", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	if err := db.AutoMigrate(&gateway.IdempotencyKey{}); err != nil {
		return fmt.Errorf("migrate idempotency schema: %w", err)
	}

	client, err := chain.Dial(cfg.Chain.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer client.Close()

	contract := common.HexToAddress(cfg.Chain.ContractAddress)
	oracle := chain.NewEVMOracle(client, contract,
		chain.WithRetryPolicy(cfg.Chain.RetryAttempts, cfg.Chain.RetryBaseDelay.Duration),
	)

	store := settlement.NewStore(db)
	events := ledger.New(db)

	dispatcher := notify.NewDispatcher(&notify.SlogSink{Logger: logger}, notify.DispatcherConfig{
		Capacity:      cfg.Notifications.QueueCapacity,
		RatePerSecond: cfg.Notifications.RatePerSecond,
		Logger:        logger,
	})

	engine := recon.NewEngine(recon.EngineConfig{
		Store:         store,
		Ledger:        events,
		Oracle:        oracle,
		Contract:      contract,
		Sink:          dispatcher,
		Logger:        logger,
		Confirmations: cfg.Chain.Confirmations,
		ConfirmWait:   cfg.Chain.ConfirmWait.Duration,
	})

	poller := recon.NewPoller(recon.PollerConfig{
		Engine:       engine,
		Store:        store,
		Ledger:       events,
		Oracle:       oracle,
		Logger:       logger,
		Interval:     cfg.Poller.Interval.Duration,
		SafetyWindow: cfg.Poller.SafetyWindow,
		MaxRetries:   cfg.Poller.MaxRetries,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)
	go poller.Run(ctx)

	if cfg.Verification.Enabled {
		worker := verify.NewWorker(verify.WorkerConfig{
			Store:     store,
			Engine:    engine,
			Oracle:    verify.NewHTTPOracle(cfg.Verification.Endpoint, cfg.Verification.APIKey, cfg.Verification.ClientTimeout.Duration),
			Logger:    logger,
			Threshold: cfg.Verification.Threshold,
			Interval:  cfg.Verification.Interval.Duration,
			BatchSize: cfg.Verification.BatchSize,
		})
		go worker.Run(ctx)
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Store:     store,
		Ledger:    events,
		Engine:    engine,
		Logger:    logger,
		DB:        db,
		ExportDir: cfg.Export.Directory,
	})
	httpServer := &http.Server{
		Addr:              cfg.Service.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlerd listening",
			"address", cfg.Service.ListenAddress,
			"contract", contract.Hex(),
			"confirmations", cfg.Chain.Confirmations)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("settlerd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}
