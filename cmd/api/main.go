// Package main is the entry point for the run engine's API server.
//
// This server exposes the REST submission/poll API that clients use to
// run packs against a tenant's reserved balance. The server is designed
// for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health check endpoint for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// Lifecycle:
// 1. Load configuration from env
// 2. Connect to Redis, Postgres, and the result object store
// 3. Wire the submission service and HTTP handler
// 4. Start the HTTP server
// 5. Wait for shutdown signal
// 6. Gracefully drain connections
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/consonant/runengine/internal/auth"
	"github.com/consonant/runengine/internal/config"
	"github.com/consonant/runengine/internal/httpapi"
	"github.com/consonant/runengine/internal/idempotency"
	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/money"
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/pack"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/ratelimit"
	"github.com/consonant/runengine/internal/runs"
	"github.com/consonant/runengine/internal/submission"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting run engine api server")

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
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	ldgr, err := ledger.New(cfg.RedisAddr, cfg.RedisPassword, cfg.PostgresURL, cfg.ReservationTTL(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer ldgr.Close()
	logger.Info().Msg("ledger initialized")

	objCtx, objCancel := context.WithTimeout(context.Background(), 10*time.Second)
	objects, err := objectstore.New(objCtx, cfg.S3Region, cfg.S3Endpoint, cfg.S3Bucket, logger)
	objCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object store")
	}
	logger.Info().Str("bucket", cfg.S3Bucket).Msg("object store initialized")

	repo := runs.NewRepository(ldgr.GetDB(), logger)
	authn := auth.New(ldgr.GetDB(), redisClient, logger)
	gate := idempotency.New(redisClient, logger)
	q := queue.New(redisClient, queue.Config{
		Name:        "runs",
		Visibility:  cfg.LeaseTTL(),
		MaxReceives: 5,
	}, logger)
	limiter := ratelimit.New(redisClient, cfg.RateLimitPollPerMinute, cfg.RateLimitWindow())

	packs := pack.NewRegistry()
	packs.Register("echo", pack.Echo{})
	packs.Register("noop_cost", pack.NoopCost{FixedCost: money.Micros(cfg.MinimumFeeFloor)})

	svcCfg := submission.Config{
		MinimumFeeFloor:      money.Micros(cfg.MinimumFeeFloor),
		MinimumFeeCeiling:    money.Micros(cfg.MinimumFeeCeiling),
		MinimumFeeRate:       cfg.MinimumFeeRate,
		ReservationTTL:       cfg.ReservationTTL(),
		RetentionWindow:      cfg.RetentionWindow(),
		PollIntervalMS:       cfg.PollRecommendedIntervalMS,
		PresignedURLTTL:      cfg.PresignedURLTTL(),
		TimeboxSecMin:        cfg.TimeboxSecMin,
		TimeboxSecMax:        cfg.TimeboxSecMax,
		IdempotencyKeyMinLen: cfg.IdempotencyKeyMinLen,
		IdempotencyKeyMaxLen: cfg.IdempotencyKeyMaxLen,
	}
	svc := submission.NewService(repo, ldgr, gate, q, objects, limiter, packs, svcCfg, logger)

	handler := httpapi.NewHandler(svc, authn, logger)
	httpServer := createHTTPServer(cfg.HTTPPort, handler, logger)

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "runengine-api").
			Str("environment", environment).
			Logger()
	}
	return logger
}

// createHTTPServer wires the REST API's routes behind the CORS and
// request-logging middleware.
func createHTTPServer(port string, handler *httpapi.Handler, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var wrapped http.Handler = mux
	wrapped = httpapi.CORS(wrapped)
	wrapped = httpapi.LoggingMiddleware(logger)(wrapped)

	return &http.Server{
		Addr:         ":" + port,
		Handler:      wrapped,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
