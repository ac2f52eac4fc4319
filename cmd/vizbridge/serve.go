package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vizbridge/vizbridge/internal/config"
	"github.com/vizbridge/vizbridge/internal/proxy"
	"github.com/vizbridge/vizbridge/internal/server"
	"github.com/vizbridge/vizbridge/internal/store"
	"github.com/vizbridge/vizbridge/internal/store/memory"
	redisstore "github.com/vizbridge/vizbridge/internal/store/redis"
	sqlitestore "github.com/vizbridge/vizbridge/internal/store/sqlite"
	"github.com/vizbridge/vizbridge/internal/telemetry"
	"github.com/vizbridge/vizbridge/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend proxy (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.Init("vizbridge", version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Error("failed to shut down tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()

	handler := proxy.NewHandler(logger, upstreamClient(cfg), st, proxyOptions(cfg))

	var limiter *server.ClientLimiter
	if cfg.Server.RateLimit.RPS > 0 {
		limiter = server.NewClientLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
		defer limiter.Close()
	}

	srv := server.New(cfg.Server.Port, logger)
	srv.Router.Mount("/", handler.Routes(limiter))
	srv.Router.Handle("/metrics", promhttp.Handler())

	// Credential or base URL edits land without a restart. In-flight
	// requests finish on the config they started with.
	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Watch(ctx, func(fresh *config.Config) {
		handler.Reconfigure(upstreamClient(fresh), proxyOptions(fresh))
	}); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("proxy listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("environment", cfg.Environment),
			slog.String("store", cfg.Store.Type),
			slog.Bool("credential_present", cfg.Upstream.Credential != ""))
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := handler.Drain(drainCtx); err != nil {
			logger.Warn("beacon exchanges still in flight at shutdown",
				slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func upstreamClient(cfg *config.Config) *upstream.Client {
	opts := []upstream.ClientOption{upstream.WithIdentity(cfg.Upstream.Identity)}
	if cfg.Upstream.BaseURL != "" {
		opts = append(opts, upstream.WithBaseURL(cfg.Upstream.BaseURL))
	}
	return upstream.NewClient(cfg.Upstream.Credential, opts...)
}

func proxyOptions(cfg *config.Config) proxy.Options {
	return proxy.Options{
		FastDeadline:      config.Duration(cfg.Proxy.FastDeadline, 9*time.Second),
		StreamDeadline:    config.Duration(cfg.Proxy.StreamDeadline, 14*time.Second),
		BeaconDeadline:    config.Duration(cfg.Proxy.BeaconDeadline, 20*time.Second),
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		TokenBudget:       cfg.Proxy.ContextTokenBudget,
		Environment:       cfg.Environment,
		StoreBackend:      cfg.Store.Type,
		CredentialPresent: cfg.Upstream.Credential != "",
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.ResponseStore, error) {
	switch cfg.Store.Type {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		st, err := redisstore.New(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlitestore.New(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
