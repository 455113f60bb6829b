package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackzampolin/broadsheet/internal/chronam"
	"github.com/jackzampolin/broadsheet/internal/config"
	"github.com/jackzampolin/broadsheet/internal/connector"
	"github.com/jackzampolin/broadsheet/internal/home"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
	"github.com/jackzampolin/broadsheet/internal/search"
	"github.com/jackzampolin/broadsheet/internal/svcctx"
	"github.com/jackzampolin/broadsheet/internal/transfer"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// openServices builds the full service set from the home directory and
// configuration. The returned cleanup closes every database handle.
func openServices(ctx context.Context) (*svcctx.Services, func(), error) {
	logger := newLogger()

	h, err := home.New(homeDir)
	if err != nil {
		return nil, nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, nil, err
	}

	cm, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	cfg := cm.Get()
	cfg.ResolvePaths(h)

	store, err := repo.New(ctx, cfg.RepositoryPath, cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}

	index, err := search.Open(ctx, cfg.SearchIndexPath, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	mainDB, err := connector.OpenMain(ctx, cfg.MainDatabasePath)
	if err != nil {
		index.Close()
		store.Close()
		return nil, nil, err
	}

	svcs := &svcctx.Services{
		Store:     store,
		Queue:     queue.New(store.DB(), queue.Config{}, logger),
		Index:     index,
		Connector: connector.New(store, mainDB, logger),
		MainDB:    mainDB,
		Transfer:  transfer.New(store, logger),
		Archive: chronam.New(chronam.Config{
			RateLimit:     cfg.Downloader.RateLimit,
			RetryAttempts: cfg.Downloader.RetryAttempts,
			HTTPTimeout:   60 * time.Second,
			CachePath:     filepath.Join(h.Path(), "earliest_dates.json"),
			Logger:        logger,
		}),
		Config: cm,
		Logger: logger,
		Home:   h,
	}

	cleanup := func() {
		mainDB.Close()
		index.Close()
		store.Close()
	}
	return svcs, cleanup, nil
}
