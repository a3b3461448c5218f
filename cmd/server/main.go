package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	httpHandlers "github.com/mohamedwys/rate-limiter/internal/adapters/http/handlers"
	httpMiddleware "github.com/mohamedwys/rate-limiter/internal/adapters/http/middleware"
	"github.com/mohamedwys/rate-limiter/internal/adapters/metrics"
	memorystorage "github.com/mohamedwys/rate-limiter/internal/adapters/storage/memory"
	redisstorage "github.com/mohamedwys/rate-limiter/internal/adapters/storage/redis"
	"github.com/mohamedwys/rate-limiter/internal/adapters/storage/sqlstore"
	"github.com/mohamedwys/rate-limiter/internal/config"
	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
	"github.com/mohamedwys/rate-limiter/internal/core/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	storage, closeFn, err := initStorage(cfg.Storage, cfg.Sweeper.Grace)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer closeFn()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	limiter, err := services.NewRateLimiterService(storage, services.WithDenialSink(recorder))
	if err != nil {
		log.Fatalf("failed to create limiter: %v", err)
	}

	sweeper, err := services.NewSweeper(storage, services.WithSweepInterval(cfg.Sweeper.Interval))
	if err != nil {
		log.Fatalf("failed to create sweeper: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx)

	generous := mustPreset(cfg.RateLimiter, "generous")
	strict := mustPreset(cfg.RateLimiter, "strict")
	strictHourly := mustPreset(cfg.RateLimiter, "strict-hourly")

	publicLimiter := httpMiddleware.NewRateLimiterMiddleware(limiter, httpMiddleware.Options{
		Limits: []domain.Limit{generous},
	})
	sensitiveLimiter := httpMiddleware.NewRateLimiterMiddleware(limiter, httpMiddleware.Options{
		Limits: []domain.Limit{strict, strictHourly},
	})

	r := chi.NewRouter()
	r.With(publicLimiter).Get("/api/public", httpHandlers.Public)
	r.With(sensitiveLimiter).Get("/api/sensitive", httpHandlers.Sensitive)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("rate limiter listening on :%s (storage=%s)", cfg.Server.Port, cfg.Storage.Type)

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func initStorage(cfg config.StorageConfig, grace time.Duration) (ports.WindowStore, func(), error) {
	switch cfg.Type {
	case "memory":
		return memorystorage.New(memorystorage.WithGrace(grace)), func() {}, nil

	case "redis":
		redisCfg := redisstorage.Config{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		storage, err := redisstorage.New(redisCfg, redisstorage.WithGrace(grace))
		if err != nil {
			return nil, nil, err
		}
		return storage, func() {
			if err := storage.Close(); err != nil {
				log.Printf("failed to close redis storage: %v", err)
			}
		}, nil

	case "postgres", "mysql", "sqlite":
		return initSQLStorage(cfg, grace)

	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func initSQLStorage(cfg config.StorageConfig, grace time.Duration) (ports.WindowStore, func(), error) {
	dsn := cfg.SQL.DSN
	driver := cfg.Type

	if cfg.Type == "sqlite" {
		driver = "sqlite3"
		if dsn == "" {
			dsn = "ratelimit.db"
		}
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("SQL_DSN is required for %s storage", cfg.Type)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}

	storage, err := sqlstore.New(db, cfg.Type, sqlstore.WithGrace(grace))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return storage, func() {
		if err := storage.Close(); err != nil {
			log.Printf("failed to close %s storage: %v", cfg.Type, err)
		}
	}, nil
}

func mustPreset(cfg config.RateLimiterConfig, name string) domain.Limit {
	limit, ok := cfg.Preset(name)
	if !ok {
		log.Fatalf("missing %q rate limit preset", name)
	}
	return limit
}
