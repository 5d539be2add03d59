// Package main is the entry point for the run engine's reaper process.
//
// The reaper owns the four background ticker loops that keep the
// system's terminal state consistent without a worker's involvement:
// reclaiming zombie leases, refunding stuck reservations, purging
// retained results past their window, and redelivering or
// dead-lettering stale queue messages. It also runs the reconciliation
// loop, which repairs claims stuck mid-finalize by probing the object
// store directly.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/config"
	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/reaper"
	"github.com/consonant/runengine/internal/reconcile"
	"github.com/consonant/runengine/internal/runs"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().Str("environment", cfg.Environment).Msg("starting run engine reaper")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()

	ldgr, err := ledger.New(cfg.RedisAddr, cfg.RedisPassword, cfg.PostgresURL, cfg.ReservationTTL(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer ldgr.Close()

	objCtx, objCancel := context.WithTimeout(context.Background(), 10*time.Second)
	objects, err := objectstore.New(objCtx, cfg.S3Region, cfg.S3Endpoint, cfg.S3Bucket, logger)
	objCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object store")
	}

	repo := runs.NewRepository(ldgr.GetDB(), logger)
	q := queue.New(redisClient, queue.Config{
		Name:        "runs",
		Visibility:  cfg.LeaseTTL(),
		MaxReceives: 5,
	}, logger)

	sweeper := reaper.New(repo, ldgr, q, reaper.Config{
		ReaperInterval:           cfg.ReaperInterval(),
		ReservationSweepInterval: cfg.ReservationSweepInterval(),
		ReservationTTL:           cfg.ReservationTTL(),
		RetentionSweepInterval:   cfg.RetentionSweepInterval(),
		QueueSweepInterval:       cfg.QueueSweepInterval(),
		BatchSize:                cfg.ReaperBatchSize,
	}, logger)

	loop := reconcile.New(repo, ldgr, objects, reconcile.Config{
		Interval:     cfg.ReconcileInterval(),
		StaleWindow:  cfg.ReconcileStaleWindow(),
		BatchSize:    cfg.ReaperBatchSize,
		ResultBucket: cfg.S3Bucket,
	}, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	sweeper.Start(runCtx)
	loop.Start(runCtx)
	logger.Info().Msg("reaper and reconciliation loops started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	runCancel()
	logger.Info().Msg("reaper stopped")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "runengine-reaper").
		Str("environment", environment).
		Logger()
}
