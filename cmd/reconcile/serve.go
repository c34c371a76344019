package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconcile/pkg/api"
	"github.com/ledgerline/reconcile/pkg/archive"
	"github.com/ledgerline/reconcile/pkg/config"
	"github.com/ledgerline/reconcile/pkg/events"
	"github.com/ledgerline/reconcile/pkg/exceptions"
	"github.com/ledgerline/reconcile/pkg/idempotency"
	"github.com/ledgerline/reconcile/pkg/ingest"
	"github.com/ledgerline/reconcile/pkg/match"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "open store:", err)
		return 1
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "migrate:", err)
		return 1
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "redis url:", err)
			return 1
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	blobs, err := archive.Open(ctx, cfg.ArchiveURL)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "open archive:", err)
		return 1
	}

	resolver, err := rules.NewResolver(rdb, logger)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "build resolver:", err)
		return 1
	}
	go resolver.Listen(ctx)

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if rdb != nil {
		publisher = events.NewRedisPublisher(rdb)
	}
	go events.NewDrainer(st, publisher, logger).Run(ctx)

	srv := api.NewServer(api.Deps{
		Store:       st,
		Engine:      match.NewEngine(st, resolver, logger),
		Importer:    ingest.NewImporter(st, blobs, resolver, logger),
		Exceptions:  exceptions.NewService(st, logger),
		Resolver:    resolver,
		Registry:    idempotency.NewRegistry(st, cfg.IdempotencyTTL, logger),
		Logger:      logger,
		AuthSecret:  cfg.AuthSecret,
		CORSOrigins: cfg.CORSOrigins,
		RateRPS:     cfg.RateLimitRPS,
		RateBurst:   cfg.RateLimitBurst,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("server listening", "port", cfg.Port, "database", cfg.DatabaseURL)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintln(stderr, "serve:", err)
			return 1
		}
		return 0
	}
}

func runMigrate(_ []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "open store:", err)
		return 1
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		_, _ = fmt.Fprintln(stderr, "migrate:", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "migrations applied")
	return 0
}
