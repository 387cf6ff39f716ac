// Command quotebot runs the conversation lifecycle and delivery service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tablazat/quotebot/internal/aiclient"
	"github.com/tablazat/quotebot/internal/api"
	"github.com/tablazat/quotebot/internal/cache"
	"github.com/tablazat/quotebot/internal/callback"
	"github.com/tablazat/quotebot/internal/completion"
	"github.com/tablazat/quotebot/internal/config"
	"github.com/tablazat/quotebot/internal/engine"
	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/observability"
	"github.com/tablazat/quotebot/internal/store"
)

// version is set via ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "quotebot",
		Short:         "Conversation lifecycle and delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(serveCmd(&configPath), migrateCmd(&configPath), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println("quotebot", version)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			pg, err := store.NewPostgres(cmd.Context(), store.PostgresConfig{
				DSN:      cfg.Postgres.DSN,
				MaxConns: cfg.Postgres.MaxConns,
				MinConns: cfg.Postgres.MinConns,
				Timeout:  cfg.Postgres.Timeout,
			})
			if err != nil {
				return err
			}
			defer func() { _ = pg.Close() }()
			return pg.Migrate(cmd.Context())
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	logger.Info("starting quotebot", "version", version)

	observability.InitMetrics()

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		DSN:      cfg.Postgres.DSN,
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
		Timeout:  cfg.Postgres.Timeout,
	})
	if err != nil {
		return fmt.Errorf("connect durable store: %w", err)
	}
	defer func() { _ = pg.Close() }()

	// Every store call carries the configured deadline; a saturated pool
	// surfaces as a retriable 429 instead of a hung request.
	st := store.Bounded(pg, cfg.Postgres.Timeout)

	ca, err := cache.NewRedis(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer func() { _ = ca.Close() }()

	ai := aiclient.New(aiclient.Config{
		BaseURL:  cfg.Upstream.BaseURL,
		APIKey:   cfg.Upstream.APIKey,
		Timeout:  cfg.Upstream.Timeout,
		MaxConns: cfg.Upstream.MaxConns,
	})

	deliverer := callback.NewDeliverer(callback.Config{
		URL:         cfg.Callback.URL,
		Timeout:     cfg.Callback.Timeout,
		MaxAttempts: cfg.Callback.MaxAttempts,
		BaseDelay:   cfg.Callback.BaseDelay,
		MaxDelay:    cfg.Callback.MaxDelay,
	}, st, ca, logger)

	sweeper, err := callback.NewSweeper(st, deliverer, cfg.Callback.SweepInterval, logger)
	if err != nil {
		return fmt.Errorf("configure sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	detector := completion.New(cfg.Completion.Keywords, cfg.Completion.RequiredFields)
	eng := engine.New(st, ca, ai, detector, deliverer, logger)

	var rl *api.RateLimitConfig
	if cfg.RateLimit.Enabled {
		rl = &api.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}
	}
	server := api.NewServer(api.Config{
		Listen:    cfg.Listen,
		APIKey:    cfg.APIKey,
		RateLimit: rl,
	}, eng, st, ca, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
