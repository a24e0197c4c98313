package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/media_downloader/internal/cleanup"
	"github.com/italolelis/media_downloader/internal/config"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/favorites"
	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/italolelis/media_downloader/internal/http/rest"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/notifier"
	"github.com/italolelis/media_downloader/internal/queue"
	"github.com/italolelis/media_downloader/internal/storage"
	redisstore "github.com/italolelis/media_downloader/internal/storage/redis"
	"github.com/italolelis/media_downloader/internal/storage/sqlite"
	"github.com/italolelis/media_downloader/internal/telemetry"
	"github.com/italolelis/media_downloader/internal/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("media downloader starting...", "log_level", cfg.LogLevel, "session_id", cfg.SessionID)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:             cfg.Telemetry.Enabled,
		ServiceName:         cfg.Telemetry.ServiceName,
		ServiceVersion:      cfg.Telemetry.ServiceVersion,
		RuntimeMetrics:      cfg.Telemetry.RuntimeMetrics,
		OTLPMetricsEndpoint: cfg.Telemetry.OTLPMetricsEndpoint,
		OTLPTracesEndpoint:  cfg.Telemetry.OTLPTracesEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Item Store
	repo, closeStore, err := buildItemRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup item store: %w", err)
	}
	defer closeStore()

	// =========================================================================
	// Start Queue
	fs := fsys.NewLocal()

	if err := fs.MkdirAll(cfg.DownloadDir); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	favs := favorites.LoadOrDefault(ctx, cfg.FavoritesPath)

	tr := transport.NewInstrumentedTransport(
		transport.NewHTTPTransport(fs,
			transport.WithHTTPClient(transport.NewDefaultClient(cfg.HeaderTimeout)),
			transport.WithUserAgent(cfg.UserAgent),
		),
		tel,
		"http",
	)

	bus := events.NewBus()
	defer bus.Close()

	manager := queue.New(queue.Config{
		DownloadDir:             cfg.DownloadDir,
		MaxConcurrent:           cfg.MaxConcurrent,
		SessionID:               cfg.SessionID,
		ProgressPersistInterval: cfg.ProgressPersistInterval,
		ProgressPersistBytes:    cfg.ProgressPersistBytes,
	}, storage.NewInstrumentedItemRepository(repo, tel), tr, bus,
		queue.WithTelemetry(tel),
		queue.WithGroupResolver(favs),
		queue.WithFS(fs),
	)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := manager.Close(closeCtx); err != nil {
			logger.Error("failed to close queue", "err", err)
		}
	}()

	if err := manager.HandleBackgroundReattachment(ctx, cfg.SessionID, func() {
		logger.Info("queue ready", "items", manager.TotalCount())
	}); err != nil {
		logger.Error("background reattachment finished with errors", "err", err)
	}

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		stopNotify := notifier.NotifyOutcomes(ctx, bus, manager, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
		defer stopNotify()
	}

	// =========================================================================
	// Start API Service and Cleanup
	server := setupServer(ctx, manager, bus, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		cleanup.Run(gctx, fs, manager, cfg.DownloadDir, cfg.CleanupInterval)

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrent,
		"store", cfg.StoreBackend,
	)

	return g.Wait()
}

// buildItemRepository picks the item store backend.
func buildItemRepository(ctx context.Context, cfg *config.Config) (storage.ItemRepository, func(), error) {
	switch cfg.StoreBackend {
	case "sqlite":
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewItemRepository(database), func() { database.Close() }, nil
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}

		return redisstore.NewItemRepository(client, cfg.Redis.Prefix), func() { client.Close() }, nil
	}

	return nil, nil, fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
}

// setupServer prepares the handlers and middlewares of the http rest server.
func setupServer(ctx context.Context, q rest.Queue, src rest.EventSource, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(q, src).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
