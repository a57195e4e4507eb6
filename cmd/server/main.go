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

	"golang.org/x/time/rate"

	"github.com/pauljones0/shift-code-bot/internal/api"
	"github.com/pauljones0/shift-code-bot/internal/breaker"
	"github.com/pauljones0/shift-code-bot/internal/config"
	"github.com/pauljones0/shift-code-bot/internal/fetcher"
	"github.com/pauljones0/shift-code-bot/internal/notifier"
	"github.com/pauljones0/shift-code-bot/internal/processor"
	"github.com/pauljones0/shift-code-bot/internal/scraper"
	"github.com/pauljones0/shift-code-bot/internal/storage"
)

// store is the full storage surface main needs: the processor's CodeStore
// plus Close.
type store interface {
	processor.CodeStore
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info("Starting SHiFT code bot server...", "store", cfg.StoreBackend)

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Critical error initializing store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	f := fetcher.New(fetcher.Options{
		Timeout:        cfg.FetchTimeout,
		MaxAttempts:    cfg.FetchMaxAttempts,
		BaseDelay:      cfg.FetchBaseDelay,
		UserAgent:      cfg.UserAgent,
		AllowedDomains: cfg.AllowedDomains,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.FetchRate), cfg.FetchBurst),
	})
	b := breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout)

	extractors, err := scraper.NewRegistry(scraper.LoadConfig(cfg.SourcesConfigPath), f, b)
	if err != nil {
		slog.Error("Critical error building source registry", "error", err)
		os.Exit(1)
	}

	n := notifier.New(cfg.DiscordBotToken, st, notifier.WithAPIBase(cfg.DiscordAPIBase))
	p := processor.New(st, n, extractors, processor.Options{
		CacheTTL:         cfg.CacheTTL,
		PollInterval:     cfg.PollInterval,
		HistoryRetention: cfg.HistoryRetention,
	})

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		p.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.New(p).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT
	go func() {
		<-ctx.Done()
		slog.Info("Received signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Listening on port", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to listen and serve", "error", err)
		stop()
		<-loopDone
		os.Exit(1)
	}
	<-loopDone
	slog.Info("Server stopped.")
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.StoreBackend {
	case config.BackendFirestore:
		return storage.NewFirestore(ctx, cfg.ProjectID)
	case config.BackendSQLite, config.BackendPostgres:
		return storage.OpenSQL(cfg.StoreBackend, cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
