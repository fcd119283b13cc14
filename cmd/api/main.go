// Package main is the entry point for the vehicle purchase API server.
// Its sole responsibility is wiring dependencies together and starting the server.
// No business logic belongs here.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pkordes/vehicle-escrow/backend/internal/anchor"
	"github.com/pkordes/vehicle-escrow/backend/internal/attest"
	"github.com/pkordes/vehicle-escrow/backend/internal/config"
	"github.com/pkordes/vehicle-escrow/backend/internal/handler"
	"github.com/pkordes/vehicle-escrow/backend/internal/metrics"
	"github.com/pkordes/vehicle-escrow/backend/internal/middleware"
	"github.com/pkordes/vehicle-escrow/backend/internal/notify"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
	"github.com/pkordes/vehicle-escrow/backend/internal/service"
	"github.com/pkordes/vehicle-escrow/backend/migrations"
)

func main() {
	// --- Config -----------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		// Use plain stderr before the logger is configured.
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// --- Logger -----------------------------------------------------------
	// JSON handler writes machine-readable output suitable for log aggregators.
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// --- Persistence ------------------------------------------------------
	var (
		store     repo.Store
		snapshots service.SnapshotSource
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		src, err := attest.LoadStaticSource(cfg.AttestationSeedFile)
		if err != nil {
			slog.Error("failed to load attestation seed", "error", err)
			os.Exit(1)
		}
		store = repo.NewMemoryStore()
		snapshots = src
		slog.Warn("using in-memory store; data is lost on exit", "attestation_seed", cfg.AttestationSeedFile)
	default:
		// pgxpool manages a pool of Postgres connections.
		// New() does not open connections immediately; the first query does.
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		// Verify the DB is reachable before accepting traffic.
		if err := pool.Ping(context.Background()); err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		slog.Info("database connection established")

		if cfg.AutoMigrate {
			sqlDB := stdlib.OpenDBFromPool(pool)
			applied, err := migrations.Up(context.Background(), sqlDB)
			_ = sqlDB.Close()
			if err != nil {
				slog.Error("failed to apply migrations", "error", err)
				os.Exit(1)
			}
			slog.Info("migrations applied", "versions", applied)
		}

		store = repo.NewPGStore(pool)
		snapshots = attest.NewPGSource(pool)
	}

	// --- Collaborators ----------------------------------------------------
	var anchorClient service.Anchor
	if cfg.AnchorURL != "" {
		anchorClient = anchor.NewHTTPClient(cfg.AnchorURL, &http.Client{Timeout: cfg.AnchorTimeout})
		slog.Info("anchoring transfers via gateway", "url", cfg.AnchorURL)
	} else {
		anchorClient = anchor.NewSimulated()
		slog.Info("anchoring transfers with the in-process simulator")
	}

	notifier := notify.NewAsync(notify.NewLogNotifier(logger), cfg.NotifyTimeout, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	purchases := service.NewPurchaseService(store, service.Deps{
		Snapshots: snapshots,
		Anchor:    anchorClient,
		Notifier:  notifier,
		Recorder:  m,
		Clock:     service.RealClock{},
		Logger:    logger,
	}, service.Options{
		VerifyTimeout:           cfg.VerifyTimeout,
		AnchorTimeout:           cfg.AnchorTimeout,
		MaxVerificationAttempts: cfg.MaxVerificationAttempts,
	})

	// --- Router -----------------------------------------------------------
	// Middleware is applied in order: RequestID → RealIP → Actor → Logger →
	// Recoverer → CORS → MaxBodySize → Metrics.
	// RequestID generates a unique trace ID per request.
	// RealIP sets r.RemoteAddr from X-Forwarded-For / X-Real-IP (safe behind a proxy).
	// Actor reads X-Actor-ID so the request log line can carry it.
	// SlogLogger writes one structured JSON log line per request.
	// Recoverer catches panics and returns HTTP 500 instead of crashing.
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Actor)
	r.Use(middleware.NewSlogLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewCORSHandler(cfg.CORSOrigins))
	r.Use(middleware.NewMaxBodySizeHandler(cfg.MaxBodyBytes))
	r.Use(m.Middleware)

	handler.NewServer(purchases, logger).Routes(r)
	r.Handle("/metrics", m.Handler())

	// --- HTTP Server ------------------------------------------------------
	// WriteTimeout leaves room for a confirm that waits on the anchor.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.AnchorTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: wait for OS signal, then give in-flight requests
	// up to 15 seconds to complete before forcefully closing.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if err := notifier.Wait(ctx); err != nil {
		slog.Warn("pending notifications dropped", "error", err)
	}
	slog.Info("server stopped")
}
