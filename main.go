package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/billbatista/acasinha-purchases/api"
	"github.com/billbatista/acasinha-purchases/catalog"
	"github.com/billbatista/acasinha-purchases/config"
	"github.com/billbatista/acasinha-purchases/db"
	"github.com/billbatista/acasinha-purchases/eventlogger"
	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/lock"
	"github.com/billbatista/acasinha-purchases/middleware"
	"github.com/billbatista/acasinha-purchases/obs"
	"github.com/billbatista/acasinha-purchases/session"
	"github.com/billbatista/acasinha-purchases/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		printErrorAndExit(logger, "database connection", err)
	}
	defer conn.Close()
	if cfg.MigrateOnStart {
		if err := db.Migrate(conn); err != nil {
			printErrorAndExit(logger, "running migrations", err)
		}
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			printErrorAndExit(logger, "parsing REDIS_URL", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			printErrorAndExit(logger, "pinging redis", err)
		}
	}

	var locker ledger.Locker = lock.NewLocal()
	if cfg.LockBackend == config.LockRedis {
		locker = lock.Redis{R: rdb, Prefix: "acasinha:lock:", TTL: cfg.LockTTL}
	}

	worker := eventlogger.NewWorker(eventlogger.NewSqlEventLogger(conn), cfg.EventBuffer, logger)
	worker.Start()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewLedgerMetrics("acasinha", registry)

	engine := ledger.NewEngine(ledger.NewRepository(conn),
		ledger.WithLocker(locker),
		ledger.WithRecorder(worker),
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics),
	)
	catalogService := catalog.NewService(catalog.NewRepository(conn), catalog.NewCache(rdb, cfg.PriceCacheTTL), logger)

	userRepo := user.NewRepository(conn)
	sessionRepo := session.NewRepository(conn, cfg.SessionTTL)
	if n, err := sessionRepo.DeleteExpired(ctx); err != nil {
		logger.Warn().Err(err).Msg("deleting expired sessions")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("deleted expired sessions")
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(obs.RequestLogger(logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.AuthMiddleware(sessionRepo, logger))

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	api.NewHandler(api.Config{
		Engine:       engine,
		Catalog:      catalogService,
		Users:        userRepo,
		Sessions:     sessionRepo,
		Audit:        worker,
		DB:           conn,
		Logger:       logger,
		CookieSecure: cfg.CookieSecure,
	}).Routes(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.AppEnv).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}

	worker.Shutdown()
	if dropped := worker.Dropped(); dropped > 0 {
		logger.Warn().Int64("dropped", dropped).Msg("events dropped while the buffer was full")
	}
}

func printErrorAndExit(logger zerolog.Logger, msg string, e error) {
	logger.Error().Err(e).Msg(msg)
	os.Exit(1)
}
