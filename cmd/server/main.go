package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/member-feed/internal/config"
	"github.com/blackmichael/member-feed/internal/domain"
	"github.com/blackmichael/member-feed/internal/firehose"
	"github.com/blackmichael/member-feed/internal/httpserver"
	"github.com/blackmichael/member-feed/internal/metrics"
	"github.com/blackmichael/member-feed/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// The store implements both PostRepository and CursorRepository
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("opened database", "path", cfg.DatabasePath)

	members, err := cfg.LoadMembers()
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	if members.Len() == 0 {
		logger.Warn("membership set is empty, no posts will be indexed from the firehose")
	}

	feedService, err := domain.NewFeedService(domain.FeedServiceConfig{
		ServiceDID: cfg.ServiceDID(),
		FeedURI:    domain.FeedURI(cfg.PublisherDID, cfg.FeedName),
		MaxLimit:   cfg.MaxLimit,
	}, members, store, store, logger)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subscriber := firehose.NewSubscriber(firehose.Options{
		URL:               cfg.FirehoseURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		BatchSize:         cfg.BatchSize,
		FlushInterval:     cfg.FlushInterval,
		StoreRetries:      cfg.StoreRetries,
	}, feedService, m, logger)

	server := httpserver.NewServer(cfg, feedService, subscriber, m, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("firehose subscriber: %w", err)
		}
		return nil
	})

	if cfg.RetentionCron != "" {
		g.Go(func() error {
			return feedService.StartCleanupJob(ctx, cfg.RetentionCron, cfg.RetentionMaxAge, cfg.RetentionMaxRows)
		})
	}

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		reloadMembersOnHangup(ctx, cfg, feedService, logger)
		return nil
	})

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname, "members", members.Len())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return g.Wait()
}

// reloadMembersOnHangup rebuilds the membership snapshot on SIGHUP.
func reloadMembersOnHangup(ctx context.Context, cfg *config.Config, feedService *domain.FeedService, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			members, err := cfg.LoadMembers()
			if err != nil {
				logger.Error("membership reload failed, keeping current set", "error", err)
				continue
			}
			feedService.SetMembers(members)
		}
	}
}
