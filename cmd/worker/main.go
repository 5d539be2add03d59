// Package main is the entry point for the run engine's worker process.
//
// The worker dequeues runs, claims them for execution, invokes the
// registered pack executor under a hard per-run timebox, uploads the
// result, and drives the two-phase finalize to a terminal commit. It
// shares its Redis, Postgres, and object-store connections with the
// API process but runs as an independently scaled deployment.
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
	"github.com/consonant/runengine/internal/money"
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/pack"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/runs"
	"github.com/consonant/runengine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().Str("environment", cfg.Environment).Msg("starting run engine worker")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
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

	packs := pack.NewRegistry()
	packs.Register("echo", pack.Echo{})
	packs.Register("noop_cost", pack.NoopCost{FixedCost: money.Micros(cfg.MinimumFeeFloor)})

	poolCfg := worker.Config{
		PoolSize:          cfg.WorkerPoolSize,
		LeaseTTL:          cfg.LeaseTTL(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		DequeueTimeout:    cfg.WorkerDequeueTimeout(),
		ResultBucket:      cfg.S3Bucket,
	}
	pool := worker.NewPool(repo, ldgr, q, objects, packs, poolCfg, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	pool.Start(runCtx)
	logger.Info().Int("pool_size", poolCfg.PoolSize).Msg("worker pool started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining worker pool")

	runCancel()
	pool.Stop()
	logger.Info().Msg("worker pool stopped")
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
		Str("service", "runengine-worker").
		Str("environment", environment).
		Logger()
}
