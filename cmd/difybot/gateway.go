package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/aggregator"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/channel"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/config"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/delivery"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/fetch"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/handler"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/mediacache"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/metrics"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/provider"

	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = 5 * time.Minute
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the Telegram bot",
		Long:  "Polls Telegram for updates and serves /imagine until interrupted. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

// unsetSecret reports whether a secret is empty or still an unexpanded ${VAR}.
func unsetSecret(s string) bool {
	return s == "" || strings.HasPrefix(s, "${")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if unsetSecret(cfg.Telegram.Token) {
		return fmt.Errorf("telegram.token is not set in %s", cfgPath)
	}
	if unsetSecret(cfg.Workflow.APIKey) {
		return fmt.Errorf("workflow.apiKey is not set in %s", cfgPath)
	}

	log, closer, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := mediacache.Open(mediacache.Config{
		Backend:    cfg.Cache.Backend,
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL(),
		DSN:        cfg.Cache.DSN,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("media cache: %w", err)
	}
	defer cache.Close()

	httpClient := provider.SharedHTTPClient(cfg.Fetch.Timeout())
	assets, err := fetch.New(fetch.Config{
		Dir:         filepath.Join(cfg.Fetch.ScratchDir, "generated"),
		Timeout:     cfg.Fetch.Timeout(),
		MaxBytes:    cfg.Fetch.MaxBytes,
		Concurrency: cfg.Fetch.Concurrency,
		Client:      httpClient,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	incoming, err := fetch.New(fetch.Config{
		Dir:         filepath.Join(cfg.Fetch.ScratchDir, "incoming"),
		Timeout:     cfg.Fetch.Timeout(),
		MaxBytes:    cfg.Fetch.MaxBytes,
		Concurrency: cfg.Fetch.Concurrency,
		Client:      httpClient,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	telegram, err := channel.NewTelegram(channel.TelegramConfig{
		Token:         cfg.Telegram.Token,
		APIEndpoint:   cfg.Telegram.APIEndpoint,
		AllowFrom:     cfg.Telegram.AllowFrom,
		PollTimeout:   cfg.Telegram.PollTimeout,
		MaxConcurrent: cfg.General.MaxConcurrentUpdates,
		RatePerSecond: cfg.Telegram.RatePerSecond,
		Burst:         cfg.Telegram.Burst,
		Incoming:      incoming,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	workflow := provider.NewWorkflow(provider.WorkflowConfig{
		APIBase: cfg.Workflow.APIBase,
		APIKey:  cfg.Workflow.APIKey,
		Timeout: cfg.Workflow.Timeout(),
		Logger:  logger,
	})
	if err := workflow.Healthy(ctx); err != nil {
		logger.Warn("workflow unhealthy at startup", "api_base", cfg.Workflow.APIBase, "err", err)
	} else {
		logger.Info("workflow healthy", "api_base", cfg.Workflow.APIBase)
	}

	agg := aggregator.New(aggregator.Config{
		Cache:    cache,
		Resolver: telegram,
		Debounce: cfg.MediaGroup.Debounce(),
		Logger:   logger,
	})

	pipeline := delivery.New(delivery.Config{
		Transport: telegram,
		Fetcher:   assets,
		Logger:    logger,
	})

	imagine := handler.NewImagine(handler.ImagineConfig{
		Transport:     telegram,
		Collector:     agg,
		Generator:     workflow,
		Delivery:      pipeline,
		BotUsername:   telegram.Username(),
		DefaultPrompt: cfg.Workflow.DefaultPrompt,
		EditInterval:  cfg.Delivery.EditInterval(),
		Logger:        logger,
	})
	router := handler.NewRouter(handler.RouterConfig{
		Recorder:    agg,
		Imagine:     imagine,
		BotUsername: telegram.Username(),
		Logger:      logger,
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetrics(cfg.Metrics)
	}

	go runJanitor(ctx, cache, cfg.Fetch.Retention(), assets.Dir(), incoming.Dir())

	logger.Info("gateway started. Press Ctrl+C to stop.", "bot", telegram.Username(), "cache", cfg.Cache.Backend)

	runErr := make(chan error, 1)
	go func() { runErr <- telegram.Run(ctx, router) }()

	var shutdownErr error
	select {
	case err := <-runErr:
		// Updates channel closed underneath us.
		stop()
		if err != nil {
			shutdownErr = fmt.Errorf("telegram channel: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down gateway...")
		select {
		case <-runErr:
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out, forcing exit")
			shutdownErr = fmt.Errorf("shutdown timed out")
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}
	if shutdownErr == nil {
		logger.Info("shutdown complete")
	}
	return shutdownErr
}

func startMetrics(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, metrics.Collector.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics enabled", "listen", cfg.Listen, "endpoint", cfg.Endpoint)
	return srv
}

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// runJanitor removes stale scratch files and expired cache rows until ctx
// is cancelled.
func runJanitor(ctx context.Context, cache mediacache.Store, retention time.Duration, dirs ...string) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, dir := range dirs {
				n, err := fetch.Sweep(dir, retention, now)
				if err != nil {
					logger.Warn("scratch sweep failed", "dir", dir, "err", err)
					continue
				}
				if n > 0 {
					logger.Debug("scratch swept", "dir", dir, "removed", n)
				}
			}
			if p, ok := cache.(pruner); ok {
				n, err := p.Prune(ctx)
				if err != nil {
					logger.Warn("cache prune failed", "err", err)
				} else if n > 0 {
					logger.Debug("cache pruned", "rows", n)
				}
			}
		}
	}
}
