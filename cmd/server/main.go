package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/importfolio/internal/config"
	"github.com/aristath/importfolio/internal/database"
	"github.com/aristath/importfolio/internal/modules/calculations"
	"github.com/aristath/importfolio/internal/modules/history"
	historyhandlers "github.com/aristath/importfolio/internal/modules/history/handlers"
	"github.com/aristath/importfolio/internal/modules/optimization"
	optimizationhandlers "github.com/aristath/importfolio/internal/modules/optimization/handlers"
	"github.com/aristath/importfolio/internal/scheduler"
	"github.com/aristath/importfolio/internal/server"
	"github.com/aristath/importfolio/pkg/logger"
)

func main() {
	// Load configuration first so the logger gets the configured level.
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting Importfolio")

	// Databases.
	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	// Stores and services.
	store, err := history.NewStore(historyDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize price store")
	}

	cache, err := calculations.NewCache(cacheDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize calculation cache")
	}

	optimizer := optimization.NewOptimizerService(store, log)
	optimizer.SetCache(cache)
	optimizer.SetLimits(cfg.Limits)

	// Background jobs.
	sched := scheduler.New(log)
	if err := sched.AddJob("@daily", calculations.NewCleanupJob(cache)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache cleanup job")
	}
	sched.Start()
	defer sched.Stop()

	// HTTP server.
	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Config:    cfg,
		HistoryDB: historyDB,
		CacheDB:   cacheDB,
		Scheduler: sched,
		DevMode:   cfg.DevMode,

		OptimizationHandlers: optimizationhandlers.NewHandler(optimizer, log),
		HistoryHandlers:      historyhandlers.NewHandler(store, log),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
