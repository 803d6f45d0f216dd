package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"saxo-fx-bot/internal/broker"
	"saxo-fx-bot/internal/config"
	"saxo-fx-bot/internal/dispatch"
	"saxo-fx-bot/internal/engine"
	"saxo-fx-bot/internal/metrics"
	"saxo-fx-bot/internal/notify"
	"saxo-fx-bot/internal/schedule"
	"saxo-fx-bot/internal/store"
	"saxo-fx-bot/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("bot stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := "SIM"
	if cfg.UseLive {
		env = "LIVE"
	}
	logger.Info("starting", "environment", env, "timezone", cfg.Timezone)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	notifier := notify.FromConfig(cfg.Notify.DiscordWebhookURL, logger)
	client := broker.New(cfg, nil, logger)

	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	registry := dispatch.NewRegistry(logger)
	ens := stream.New(cfg.Stream, client, registry, notifier, logger)
	go func() {
		if err := ens.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stream terminated", "error", err)
		}
	}()
	go client.RunTokenRefresher(ctx, cfg.OAuth.TokenRefreshInterval, func() {
		metrics.TokenRefreshes.Inc()
	})

	sched := schedule.New(time.Duration(cfg.Orders.RandomDelaySec)*time.Second, logger)
	st := store.New(cfg.StatePath, logger)
	eng := engine.New(cfg, client, registry, sched, st, notifier, cfg.Location(), logger)

	return eng.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
