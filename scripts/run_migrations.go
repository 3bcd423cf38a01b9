package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/safar/storefront-core/internal/catalog"
	"github.com/safar/storefront-core/internal/config"
	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/inventory"
	"github.com/safar/storefront-core/internal/logger"
	"github.com/safar/storefront-core/internal/store"
	"go.uber.org/zap"
)

const migrationDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down|seed <catalog.json>]")
	}
	command := os.Args[1]

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

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	switch command {
	case database.MigrateUp, database.MigrateDown:
		applied, err := database.Migrate(ctx, db, migrationDir, command)
		if err != nil {
			logger.Fatal("Migration failed", zap.String("direction", command), zap.Strings("applied", applied), zap.Error(err))
		}
		for _, name := range applied {
			logger.Info("Migration applied", zap.String("file", name))
		}
		logger.Info("Migrations complete", zap.String("direction", command), zap.Int("count", len(applied)))

	case "seed":
		if len(os.Args) < 3 {
			logger.Fatal("seed needs a catalog file")
		}
		products, err := catalog.LoadFile(os.Args[2])
		if err != nil {
			logger.Fatal("Failed to load catalog", zap.Error(err))
		}
		st := store.NewPostgres(db)
		seeder := catalog.NewSeeder(st, inventory.NewLedger(st, logger), logger)
		if _, err := seeder.Seed(ctx, products); err != nil {
			logger.Fatal("Seeding failed", zap.Error(err))
		}

	default:
		logger.Fatal("Unknown command, expected up, down or seed", zap.String("command", command))
	}
}
