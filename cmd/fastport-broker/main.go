package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fastport-dev/fastport-broker/internal/broker"
	"github.com/fastport-dev/fastport-broker/internal/config"
	"github.com/fastport-dev/fastport-broker/internal/logger"
	"github.com/fastport-dev/fastport-broker/internal/notifier"
	"github.com/fastport-dev/fastport-broker/internal/shutdown"
	"github.com/fastport-dev/fastport-broker/internal/storage"
	"github.com/fastport-dev/fastport-broker/internal/sweeper"
)

func main() {
	cfg := config.Load()
	loggerShutdown := logger.Init()
	logger.Debug("fastport-broker initializing")

	cleaner := shutdown.New()
	cleaner.Init(loggerShutdown)

	store, err := openStore(cfg)
	if err != nil {
		logger.FatalF("failed to open storage backend: %v", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		logger.FatalF("failed to initialize storage backend: %v", err)
		os.Exit(1)
	}
	cleaner.Add(storeShutdown{store})

	sweep := sweeper.New(store, cfg.CleanupInterval)
	go sweep.Run()
	cleaner.Add(sweep)

	b := broker.New(store, cfg.MaxPayloadSize, notifier.Noop{}, cfg.NotifierDeadline)
	b.Recover(ctx)

	logger.InfoF("fastport-broker starting on port %d", cfg.Port)
	if err := b.Listen(ctx, ":"+strconv.Itoa(cfg.Port)); err != nil {
		logger.FatalF("broker listen failed: %v", err)
		os.Exit(1)
	}
}

func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.DBType {
	case "mongo":
		return storage.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase), nil
	case "memory", "":
		return storage.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown DB_TYPE %q", cfg.DBType)
	}
}

// storeShutdown adapts storage.Store.Close to shutdown.Hook.
type storeShutdown struct {
	store storage.Store
}

func (s storeShutdown) Invoke(ctx context.Context) error {
	return s.store.Close(ctx)
}
