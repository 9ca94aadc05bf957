package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/splax/edgelogger/internal/app/migrate"
	httpx "github.com/splax/edgelogger/internal/http"
	"github.com/splax/edgelogger/internal/ingest"
	"github.com/splax/edgelogger/internal/metrics"
	"github.com/splax/edgelogger/internal/pool"
	"github.com/splax/edgelogger/internal/ratelimit"
	"github.com/splax/edgelogger/internal/repository/postgres"
	"github.com/splax/edgelogger/internal/server"
	"github.com/splax/edgelogger/internal/ws"
	"github.com/splax/edgelogger/pkg/config"
	"github.com/splax/edgelogger/pkg/logger"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadIngestConfig()
	log := logger.New("ingestd", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := pool.New(ctx, cfg.DatabaseURL, pool.Options{
		MaxConns:       int32(cfg.DBMaxConns),
		AcquireTimeout: cfg.DBAcquireTimeout,
	})
	if err != nil {
		log.Error("failed to configure database pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	log.Info("database pool ready", "max_conns", cfg.DBMaxConns, "acquire_timeout", cfg.DBAcquireTimeout)

	if cfg.AutoMigrate {
		runner, err := migrate.New(dbPool, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		err = runner.Ensure(ctx)
		_ = runner.Close()
		if err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingestMetrics := metrics.NewIngest(registry)
	metrics.RegisterPoolStats(registry, dbPool.Stat)

	limiter := ratelimit.NewMemory()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := ratelimit.NewRedis(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}
	defer limiter.Close()

	hub := ws.NewHub()
	defer hub.Close()

	repo := postgres.New(dbPool)
	svc := ingest.New(repo, log, ingest.Options{
		Limiter:    limiter,
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateWindow,
		Hub:        hub,
		Metrics:    ingestMetrics,
	})

	tcp := server.New(server.Config{
		Addr:            cfg.Addr,
		Framing:         cfg.Framing,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxConnections:  cfg.MaxConnections,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	}, svc, log, ingestMetrics)

	router := httpx.NewRouter(log, repo, httpx.Options{
		JWTSecret: cfg.QueryJWTSecret,
		DBHealth:  dbPool.Ping,
		Hub:       hub,
		Registry:  registry,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 2)
	go func() {
		errorCh <- tcp.ListenAndServe(ctx)
	}()
	if cfg.HTTPAddr != "" {
		go func() {
			log.Info("http server starting", "addr", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorCh <- err
			}
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tcp.Shutdown(shutdownCtx); err != nil {
		log.Error("ingest shutdown incomplete", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	log.Info("ingestd stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
