// Package main is the entry point for the Black-Litterman posterior service.
// The service maintains covariance estimates for an asset universe, repairs
// them to the nearest positive-definite matrix, and blends market equilibrium
// returns with stored analyst views into posterior snapshots served over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ipozdeev/black-litterman-bayes/internal/config"
	"github.com/ipozdeev/black-litterman-bayes/internal/database"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/blacklitterman"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/repair"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/riskmodel"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/snapshots"
	"github.com/ipozdeev/black-litterman-bayes/internal/scheduler"
	"github.com/ipozdeev/black-litterman-bayes/internal/server"
	"github.com/ipozdeev/black-litterman-bayes/pkg/logger"
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

	log.Info().Msg("Starting Black-Litterman posterior service")

	// Two-database layout: market.db holds input estimates (volatilities,
	// correlations, weights, views), cache.db holds computed posteriors.
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileMarket,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market database")
	}
	defer marketDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	for _, db := range []*database.DB{marketDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}

	// Wire services
	builder := riskmodel.NewBuilder(marketDB.Conn(), log)
	blRepo := blacklitterman.NewRepository(marketDB.Conn(), log)
	model := blacklitterman.NewModel(log)
	snapshotRepo := snapshots.NewRepository(cacheDB.Conn(), log)

	rebuildJob := scheduler.NewRebuildPosteriorJob(
		builder, blRepo, model, snapshotRepo, cfg.BlackLitterman, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.RebuildSchedule, rebuildJob); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.RebuildSchedule).Msg("Failed to register rebuild job")
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:               log,
		Port:              cfg.Port,
		DevMode:           cfg.DevMode,
		MarketDB:          marketDB,
		CacheDB:           cacheDB,
		RepairHandler:     repair.NewHandler(log),
		PosteriorHandlers: server.NewPosteriorHandlers(rebuildJob, snapshotRepo, blRepo, log),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
