// Package app assembles the engine's components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"holdingsync/internal/config"
	"holdingsync/internal/database"
	"holdingsync/internal/directory"
	"holdingsync/internal/ledger"
	"holdingsync/internal/pipeline"
	"holdingsync/internal/service"
	"holdingsync/internal/staging"
)

type App struct {
	Store     database.Store
	Directory *directory.Directory
	Ledger    *ledger.Ledger
	Staging   *staging.Store
	Pipeline  *pipeline.Pipeline
	Prices    *service.StorePriceFeed
	Valuation *service.Valuation
}

// OpenStore connects the configured backend. The "memory" driver keeps
// everything in process and is lost on exit.
func OpenStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (database.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using in-memory store, data is not persisted")
		return database.NewMemStore(), nil
	case "postgres", "sqlite3":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%s driver needs a database url", cfg.Driver)
		}
		db, err := database.Connect(ctx, cfg.Driver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect failed: %w", err)
		}
		return database.New(db, log), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Driver)
}

func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	fees, err := config.LoadFeeSchedule(cfg.FeeSchedulePath)
	if err != nil {
		store.Close()
		return nil, err
	}
	return Assemble(store, fees, cfg, log), nil
}

// Assemble wires components over an already open store.
func Assemble(store database.Store, fees *config.FeeSchedule, cfg *config.Config, log *logrus.Logger) *App {
	dir := directory.New(store, log, directory.Options{
		Threshold:      cfg.FuzzyThreshold,
		CandidateLimit: cfg.CandidateLimit,
		SnapshotTTL:    cfg.SnapshotTTL,
		Workers:        cfg.ImportWorkers,
	})
	l := ledger.New(store, log, ledger.Options{
		MasterPortfolio: cfg.MasterPortfolio,
		MaxRetries:      cfg.LedgerMaxRetries,
	})
	st := staging.New(store, log)
	p := pipeline.New(dir, l, st, pipeline.NewFeeCalculator(fees), log, pipeline.Options{
		Workers:        cfg.ImportWorkers,
		Threshold:      cfg.FuzzyThreshold,
		CandidateLimit: cfg.CandidateLimit,
	})
	prices := service.NewStorePriceFeed(store, log, cfg.PriceUpdateInterval)
	fx := service.NewHTTPRates(cfg.FXBaseURL, cfg.FXRatesPath, cfg.FXCacheTTL, log)
	return &App{
		Store:     store,
		Directory: dir,
		Ledger:    l,
		Staging:   st,
		Pipeline:  p,
		Prices:    prices,
		Valuation: service.NewValuation(store, prices, fx, log),
	}
}

func (a *App) Close() error { return a.Store.Close() }
