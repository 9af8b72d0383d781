// cmd/historian/main.go is an asynchronous historian service that pops lifecycle records from a Redis queue and persists them to a PostgreSQL database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/cambia-host/internal/cache"
	"github.com/jason-s-yu/cambia-host/internal/config"
	"github.com/jason-s-yu/cambia-host/internal/database"
	"github.com/jason-s-yu/cambia-host/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, database.ConnString())
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer pool.Close()

	store := database.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatalf("database: %v", err)
	}

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	svc := historian.NewService(rdb, store, cfg.HistoryQueueName, cfg.HistorianBatchSize, cfg.HistorianFlush, logger)
	if err := svc.Run(ctx); err != nil {
		logger.Errorf("historian: %v", err)
	}
	logger.Info("Historian shutdown complete.")
}
