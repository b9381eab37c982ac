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

	"github.com/blackmichael/bluesky-reader/internal/bluesky"
	"github.com/blackmichael/bluesky-reader/internal/config"
	"github.com/blackmichael/bluesky-reader/internal/feed"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
	"github.com/blackmichael/bluesky-reader/internal/firehose"
	"github.com/blackmichael/bluesky-reader/internal/httpserver"
	"github.com/blackmichael/bluesky-reader/internal/postgres"
	"github.com/blackmichael/bluesky-reader/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("feed cache ready", "backend", cfg.CacheBackend, "ttl", cfg.Feed.CacheTime)

	cache := feedcache.New(store, cfg.Feed.CacheTime, feedcache.WithLogger(logger))

	client := bluesky.NewClient(cfg.Service,
		bluesky.WithPDS(cfg.PDS),
		bluesky.WithRateLimit(cfg.RateLimit),
		bluesky.WithLogger(logger),
	)
	if cfg.Authenticated() {
		if err := client.Login(ctx, cfg.Handle, cfg.AppPassword); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		logger.Info("logged in", "handle", cfg.Handle, "did", client.DID())
	} else {
		logger.Warn("no credentials configured, timeline and likes will fail with auth errors")
	}

	graph := feed.NewGraph(client, cache, cfg.Feed, logger)

	// Invalidate cached author feeds as their authors post
	if cfg.FirehoseURL != "" {
		subscriber := firehose.NewSubscriber(cfg.FirehoseURL, cache, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("firehose subscriber exited with error", "error", err)
			}
		}()
	}

	// Start background cache pruning
	if cfg.CachePruneAfter > 0 {
		go cache.StartPruneJob(ctx, time.Hour, cfg.CachePruneAfter)
	}

	// Start the HTTP server
	server := httpserver.NewServer(cfg, client, cache, graph, logger)
	go server.StartSessionCleanup(ctx, time.Minute, 30*time.Minute)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "service", cfg.Service)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// openStore returns the cache store selected by cfg and a function that
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (feedcache.Store, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheSQLite:
		store, err := sqlite.Open(cfg.CacheSQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, func() { store.Close() }, nil
	case config.CachePostgres:
		repo, err := postgres.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create repository: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("migrate cache table: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	default:
		return feedcache.NewMemoryStore(), func() {}, nil
	}
}
