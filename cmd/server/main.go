// Package main is the entry point for the Hindsight backtesting server.
// It wires the price history store, the statistics cache, the backtest
// engine and the HTTP API together, starts background maintenance jobs,
// and handles graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/hindsight/internal/archive"
	"github.com/aristath/hindsight/internal/config"
	"github.com/aristath/hindsight/internal/database"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/aristath/hindsight/internal/modules/engine"
	"github.com/aristath/hindsight/internal/modules/results"
	"github.com/aristath/hindsight/internal/modules/risk"
	"github.com/aristath/hindsight/internal/modules/sweep"
	"github.com/aristath/hindsight/internal/modules/universe"
	"github.com/aristath/hindsight/internal/scheduler"
	"github.com/aristath/hindsight/internal/server"
	"github.com/aristath/hindsight/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting Hindsight")

	openDB := func(name string, profile database.DatabaseProfile) *database.DB {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			log.Fatal().Err(err).Str("database", name).Msg("Failed to open database")
		}
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", name).Msg("Failed to migrate database")
		}
		return db
	}

	// Three databases: price history (standard), run results (ledger,
	// full sync), and the persistent statistics cache (sync off).
	historyDB := openDB("history", database.ProfileStandard)
	defer historyDB.Close()
	resultsDB := openDB("results", database.ProfileLedger)
	defer resultsDB.Close()
	cacheDB := openDB("cache", database.ProfileCache)
	defer cacheDB.Close()

	cache := calculations.New(calculations.Config{
		Enabled:    cfg.Cache.Enabled,
		MaxEntries: cfg.Cache.MaxEntries,
		MaxAge:     cfg.Cache.MaxAge,
		Persist:    cfg.Cache.Persist,
	}, cacheDB, log)

	universeRepo := universe.NewRepository(historyDB.Conn(), log)
	eng := engine.New(cache, log)

	sched := scheduler.New(log)
	prune := scheduler.NewCachePruneJob(cache, log)
	if err := sched.Add("cache_prune", cfg.CachePruneSpec, prune.Run); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache prune job")
	}

	if cfg.Archive.Enabled {
		uploader, err := archive.New(context.Background(), cfg.Archive, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize archive uploader")
		}
		// Nightly snapshot of the results database, an hour after the
		// cache prune so the two jobs never overlap.
		snapshot := scheduler.NewArchiveSnapshotJob(uploader, resultsDB.Path(), log)
		if err := sched.Add("archive_snapshot", "0 30 4 * * *", snapshot.Run); err != nil {
			log.Fatal().Err(err).Msg("Failed to register archive snapshot job")
		}
	}

	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Config:       cfg,
		HistoryDB:    historyDB,
		ResultsDB:    resultsDB,
		CacheDB:      cacheDB,
		Engine:       eng,
		Runner:       sweep.NewRunner(eng, cfg.SweepWorkers, log),
		Results:      results.NewRepository(resultsDB.Conn(), log),
		Universe:     universeRepo,
		PanelBuilder: universe.NewPanelBuilder(universeRepo, log),
		RiskBuilder:  risk.NewBuilder(cache, log),
		Cache:        cache,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
