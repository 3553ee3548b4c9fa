package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/config"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	"github.com/kailas-cloud/datarefresh/internal/indexer"
	logpkg "github.com/kailas-cloud/datarefresh/internal/logger"
	"github.com/kailas-cloud/datarefresh/internal/metrics"
	"github.com/kailas-cloud/datarefresh/internal/repository/cache"
	"github.com/kailas-cloud/datarefresh/internal/repository/genstate"
	searchRedis "github.com/kailas-cloud/datarefresh/internal/search/redis"
	chiTransport "github.com/kailas-cloud/datarefresh/internal/transport/chi"
	"github.com/kailas-cloud/datarefresh/internal/upstream"
	aliasuc "github.com/kailas-cloud/datarefresh/internal/usecase/alias"
	healthuc "github.com/kailas-cloud/datarefresh/internal/usecase/health"
	refreshuc "github.com/kailas-cloud/datarefresh/internal/usecase/refresh"
	"github.com/kailas-cloud/datarefresh/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting datarefresh API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("datasets", dataset.Names()),
	)

	// A broken field-type table must not boot.
	if err := dataset.ValidateCatalog(); err != nil {
		logger.Fatal("Invalid dataset catalog", zap.Error(err))
	}

	ctx := context.Background()

	upstreamPool := mustPool(ctx, logger, "upstream", cfg.UpstreamDB)
	defer upstreamPool.Close()
	apiPool := mustPool(ctx, logger, "api", cfg.APIDB)
	defer apiPool.Close()

	store, err := searchRedis.NewStore(searchRedis.Config{
		Addrs:    cfg.Search.Addrs,
		Password: cfg.Search.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create search store", zap.Error(err))
	}
	defer store.Close()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Search.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Search engine not ready", zap.Error(err))
	}
	logger.Info("Connected to search engine")

	// Register pipeline metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()

	// Repositories
	registry := genstate.New(store, cfg.Search.KeyPrefix)
	invalidator := cache.New(store, cfg.Cache.KeyPrefix, logger)

	// Pipeline components
	replicator := upstream.New(upstreamPool, apiPool, logger).
		WithRowLimit(cfg.Refresh.RowLimit)
	stagingReader := upstream.NewStagingReader(apiPool)
	builder := indexer.New(stagingReader, store, registry, indexer.Options{
		BatchSize:          cfg.Refresh.BatchSize,
		MaxParallelBatches: cfg.Refresh.MaxParallelBatches,
		MaxBatchRetries:    cfg.Refresh.MaxBatchRetries,
		RetryBackoff:       time.Duration(cfg.Refresh.RetryBackoffMS) * time.Millisecond,
		CountTolerance:     cfg.Refresh.CountTolerance,
		MaxBatchErrorRate:  cfg.Refresh.MaxBatchErrorRate,
		KeyPrefix:          cfg.Search.KeyPrefix,
	}, logger)

	// Use case services
	aliasSvc := aliasuc.New(store, registry,
		time.Duration(cfg.Refresh.RetentionGraceHours)*time.Hour, logger)
	refreshSvc := refreshuc.New(replicator, builder, aliasSvc, invalidator, refreshuc.StageTimeouts{
		Replicate: time.Duration(cfg.Refresh.Timeouts.ReplicateSec) * time.Second,
		Index:     time.Duration(cfg.Refresh.Timeouts.IndexSec) * time.Second,
		Validate:  time.Duration(cfg.Refresh.Timeouts.ValidateSec) * time.Second,
		Alias:     time.Duration(cfg.Refresh.Timeouts.AliasSec) * time.Second,
	}, logger)
	healthSvc := healthuc.New(store, apiPool, upstreamPool)

	// Create chi server
	server := chiTransport.NewServer(refreshSvc, aliasSvc, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	refreshSvc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// mustPool connects one PostgreSQL pool or exits.
func mustPool(ctx context.Context, logger *zap.Logger, name string, cfg config.DBConfig) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		logger.Fatal("Failed to create database pool",
			zap.String("db", name), zap.Error(err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeoutSec)*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		// The upstream database may be reachable only during refresh windows;
		// connection failures surface per job.
		logger.Warn("Database not reachable at startup",
			zap.String("db", name), zap.Error(err))
	} else {
		logger.Info("Connected to database", zap.String("db", name))
	}
	return pool
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
