package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront-core/internal/catalog"
	"github.com/safar/storefront-core/internal/checkout"
	"github.com/safar/storefront-core/internal/config"
	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/inventory"
	"github.com/safar/storefront-core/internal/logger"
	"github.com/safar/storefront-core/internal/notify"
	"github.com/safar/storefront-core/internal/payment"
	"github.com/safar/storefront-core/internal/store"
	"github.com/safar/storefront-core/internal/store/memory"
	"github.com/safar/storefront-core/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, &cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to init telemetry", zap.Error(err))
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	notifier, closeNotifier := newNotifier(cfg, logger)
	ledger := inventory.NewLedger(st, logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(&api{
		store:      st,
		checkout:   checkout.NewService(st, cfg.Checkout, logger),
		reconciler: payment.NewReconciler(st, notifier, cfg.Payment, logger),
		ledger:     ledger,
		log:        logger,
	}, cfg.Telemetry.ServiceName)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()
	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Database.Driver),
		zap.String("env", cfg.Env))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := closeNotifier(); err != nil {
		logger.Error("Failed to close notifier", zap.Error(err))
	}
	if err := closeStore(); err != nil {
		logger.Error("Failed to close store", zap.Error(err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Failed to flush telemetry", zap.Error(err))
	}
	logger.Info("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func() error, error) {
	if cfg.Database.Driver == config.StoreDriverMemory {
		st := memory.New()
		if cfg.Database.SeedFile != "" {
			products, err := catalog.LoadFile(cfg.Database.SeedFile)
			if err != nil {
				return nil, nil, err
			}
			seeder := catalog.NewSeeder(st, inventory.NewLedger(st, logger), logger)
			if _, err := seeder.Seed(ctx, products); err != nil {
				return nil, nil, err
			}
		}
		logger.Warn("Using in-memory store, data is lost on exit")
		return st, func() error { return nil }, nil
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to database")
	return store.NewPostgres(db), db.Close, nil
}

func newNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, func() error) {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("No Kafka brokers configured, order confirmations are only logged")
		return notify.NewLogNotifier(logger), func() error { return nil }
	}
	n := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.ConfirmationTopic, logger)
	return n, n.Close
}
