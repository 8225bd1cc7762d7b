package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qobuzdl/server/internal/acquisition"
	"github.com/qobuzdl/server/internal/api"
	"github.com/qobuzdl/server/internal/cache"
	"github.com/qobuzdl/server/internal/catalog"
	"github.com/qobuzdl/server/internal/config"
	"github.com/qobuzdl/server/internal/credentials"
	"github.com/qobuzdl/server/internal/download"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/health"
	"github.com/qobuzdl/server/internal/library"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
	"github.com/qobuzdl/server/internal/processor"
	"github.com/qobuzdl/server/internal/storage"
	"github.com/qobuzdl/server/internal/transcoder"
	"github.com/qobuzdl/server/internal/websocket"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		logger.Error(context.Background(), "server exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	root := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "").WithFormat(logger.ParseFormat(cfg.LogFormat))
	logger.SetDefault(root)
	log := root.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()

	lib, err := library.New(cfg.DownloadPath, root.WithComponent("library"))
	if err != nil {
		return err
	}
	if err := lib.Lock(); err != nil {
		return err
	}
	defer lib.Unlock()

	ffmpeg := transcoder.New(cfg.FFmpegPath, root.WithComponent("transcoder"))
	if err := ffmpeg.Check(ctx); err != nil {
		return err
	}

	catalogHTTP, err := catalog.NewHTTPClient(cfg.CatalogTimeout, cfg.Socks5Proxy)
	if err != nil {
		return apperrors.ConfigurationError("invalid SOCKS5_PROXY").WithCause(err)
	}
	mediaHTTP, err := catalog.NewHTTPClient(cfg.MediaDownloadTimeout, cfg.Socks5Proxy)
	if err != nil {
		return apperrors.ConfigurationError("invalid SOCKS5_PROXY").WithCause(err)
	}

	catalogOpts := catalog.Options{
		BaseURL:    cfg.APIBase,
		AppID:      cfg.AppID,
		AppSecret:  cfg.AppSecret,
		HTTPClient: catalogHTTP,
		CacheTTL:   cfg.CatalogCacheTTL,
		Logger:     root.WithComponent("catalog"),
	}

	var redisCheck health.CheckFunc
	if cfg.RedisURL != "" {
		albumCache, err := cache.New(ctx, cfg.RedisURL, root.WithComponent("cache"))
		if err != nil {
			// Redis is optional; run uncached.
			log.Warn(ctx, "catalog cache disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer albumCache.Close()
			catalogOpts.Cache = albumCache
			redisCheck = albumCache.Ping
		}
	}

	client := catalog.NewClient(catalogOpts)
	pool := credentials.NewPool(&credentials.PoolConfig{
		Tokens:    cfg.AuthTokens,
		Prober:    client,
		Freshness: cfg.CredentialFreshness,
		Logger:    root.WithComponent("credentials"),
		Metrics:   m,
	})
	client.SetCredentials(pool)

	var mirror *storage.Mirror
	var storageCheck health.CheckFunc
	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if backend != nil {
		mirror = storage.NewMirror(backend, apperrors.StorageRetryConfig(), root.WithComponent("storage"))
		storageCheck = backend.Ping
		log.Info(ctx, "mirroring library to object storage", map[string]interface{}{"backend": backend.Name()})
	}

	pipeline := acquisition.New(&acquisition.Config{
		Resolver:   client,
		Transcoder: ffmpeg,
		Library:    lib,
		Mirror:     mirror,
		HTTPClient: mediaHTTP,
		Logger:     root.WithComponent("acquisition"),
		Metrics:    m,
	})
	proc := processor.New(&processor.ProcessorConfig{
		Albums:   client,
		Acquirer: pipeline,
		Logger:   root.WithComponent("processor"),
	})
	queue := download.NewQueue(&download.QueueConfig{
		Processor: proc,
		Logger:    root.WithComponent("queue"),
		Metrics:   m,
	})

	hub := websocket.NewHub(root.WithComponent("websocket"), m)
	go hub.Run(ctx)
	queue.OnChange(hub.PublishSnapshot)
	hub.PublishSnapshot(queue.Status())
	queue.Start()

	checker := health.NewChecker(&health.CheckerConfig{
		Library:    lib.Check,
		Transcoder: ffmpeg.Check,
		Redis:      redisCheck,
		Storage:    storageCheck,
		Credentials: func(ctx context.Context) error {
			_, err := pool.GetValidCredential(ctx)
			return err
		},
		Version: version,
	})

	httpLog := root.WithComponent("http")
	router := api.NewRouter(&api.RouterConfig{
		Handlers:       api.NewHandlers(queue, client, httpLog),
		ImageProxy:     api.NewImageProxy(catalogHTTP, api.DefaultImageHost, httpLog),
		Health:         health.NewHandler(checker),
		WebSocket:      websocket.NewHandler(hub, cfg.CORSAllowedOrigins, root.WithComponent("websocket")),
		Metrics:        m,
		Logger:         httpLog,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{
			"addr":        cfg.ServerAddr,
			"library":     lib.Root(),
			"credentials": pool.Size(),
			"version":     version,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "queue shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
