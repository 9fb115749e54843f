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

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/escrow"
	"github.com/atmx/ledger-engine/internal/logging"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/outbox"
	"github.com/atmx/ledger-engine/internal/service"
	"github.com/atmx/ledger-engine/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:          "ledger-engine",
		Short:        "Ledger primitives engine: AMM, bonding curves, collateral, staking, escrow",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	}

	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	serveCmd.Flags().String("database-url", "", "Postgres DSN (in-memory store when empty)")
	serveCmd.Flags().String("redis-url", "", "Redis URL for the snapshot cache")
	serveCmd.Flags().Duration("cache-ttl", 30*time.Second, "snapshot cache TTL")
	serveCmd.Flags().String("nats-url", "", "NATS URL for settlement intents")
	serveCmd.Flags().String("intent-subject", "ledger.intents", "intent subject prefix")
	serveCmd.Flags().String("refund-policy", "after-expiry", "escrow refund policy (after-expiry, anytime)")
	serveCmd.Flags().String("price-oracle", "", "address allowed to publish prices and reprice positions")
	serveCmd.Flags().Uint64("rate-limit", 60, "requests per actor per window")
	serveCmd.Flags().Duration("rate-window", time.Minute, "per-actor rate limit window")
	serveCmd.Flags().Float64("throttle-rps", 50, "per-client HTTP requests per second")
	serveCmd.Flags().Int("throttle-burst", 100, "per-client HTTP burst")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("database-url", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	policy, err := escrow.ParseRefundPolicy(cfg.RefundPolicy)
	if err != nil {
		return err
	}

	if cfg.PriceOracle == "" {
		logger.Warn("price-oracle not set, positions cannot be opened or repriced")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	hub := service.NewWSHub(logger)
	go hub.Run(ctx)

	svc := service.New(service.Options{
		Store:        st,
		Publisher:    publisher,
		Hub:          hub,
		Logger:       logger,
		RefundPolicy: policy,
		PriceOracle:  common.HexToAddress(cfg.PriceOracle),
		RateLimit:    cfg.RateLimit,
		RateWindow:   uint64(cfg.RateWindow.Milliseconds()),
	})
	throttle := service.NewThrottle(cfg.ThrottleRPS, cfg.ThrottleBurst, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The socket is long-lived, so it sits outside the timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(throttle.Handler)
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger-engine listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down ledger-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore picks Postgres (optionally behind Redis) when a database URL is
// configured, otherwise the in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("database-url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	cleanup := []func(){pool.Close}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis-url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}
	return st, closeAll, nil
}

// openPublisher connects the JetStream outbox when a NATS URL is configured.
func openPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (outbox.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		logger.Warn("nats-url not set, settlement intents are discarded")
		return outbox.NopPublisher{}, func() {}, nil
	}

	nc, js, err := outbox.Connect(cfg.NATSURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := outbox.EnsureStream(ctx, js, cfg.IntentSubject); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.Info("publishing intents to NATS", zap.String("subject", cfg.IntentSubject))
	return outbox.NewNATSPublisher(js, cfg.IntentSubject), func() { nc.Drain() }, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := store.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}
