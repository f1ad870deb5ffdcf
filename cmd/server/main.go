package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/invgrid/sitesync/internal/api"
	"github.com/invgrid/sitesync/internal/config"
	"github.com/invgrid/sitesync/internal/database"
	"github.com/invgrid/sitesync/internal/registry"
	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/services"
	"github.com/invgrid/sitesync/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	reg, err := registry.Load()
	if err != nil {
		slog.Error("failed to load entity registry", "err", err)
		os.Exit(1)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create postgres pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to create redis client", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("migration failed", "err", err)
		os.Exit(1)
	}

	records := repositories.NewPostgresRecordStore(pool, reg)
	tunables := repositories.NewPostgresTunableStore(pool)
	sites := repositories.NewPostgresSiteStore(pool)
	logs := repositories.NewPostgresLogStore(pool)
	presence := repositories.NewRedisPresenceStore(redisClient)
	inspector := repositories.NewPostgresSchemaInspector(pool)

	diag := services.NewDiagnosticsService(reg, records, tunables, logs, inspector, database.Revision())
	ingress := services.NewIngressService(reg, records, logs, diag)
	siteRegistry := services.NewSiteRegistry(sites, presence, logs, services.PresenceTTL)
	conflicts := services.NewConflictService(reg, records, logs)

	transport := func(conn services.ConnSettings) services.SyncTransport {
		return services.NewSyncClient(conn, cfg.SyncTimeout, cfg.SyncRetries)
	}
	push := services.NewPushService(reg, records, tunables, logs, diag, cfg, transport)
	pull := services.NewPullService(reg, records, tunables, logs, diag, cfg, transport)
	heartbeat := services.NewHeartbeatService(tunables, cfg, transport)

	auth := api.NewOperatorAuth(records, cfg.OperatorJWTSecret, cfg.OperatorJWTExpiry)
	resetFn := func(ctx context.Context) error { return database.Reset(ctx, pool) }
	handlers := api.NewHandlers(reg, records, sites, ingress, siteRegistry, conflicts, diag, auth, resetFn)
	router := api.NewRouter(handlers, sites, logs)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Role == config.RoleLocal {
		pushLoop := worker.NewLoop("push", cfg.PushInterval, push.PushOnce)
		pullLoop := worker.NewLoop("pull", cfg.PullInterval, pull.PullOnce)
		heartbeatLoop := worker.NewLoop("heartbeat", cfg.HeartbeatInterval, heartbeat.BeatOnce)

		// Local writes wake the push worker instead of waiting out the
		// interval.
		records.SetCommitHook(pushLoop.Kick)

		g.Go(func() error { return pushLoop.Run(gctx) })
		g.Go(func() error { return pullLoop.Run(gctx) })
		g.Go(func() error { return heartbeatLoop.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("starting server", "port", cfg.ServerPort, "role", cfg.Role)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped gracefully")
}
