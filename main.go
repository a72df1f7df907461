package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-sync-client/config"
	"trading-sync-client/internal/events"
	"trading-sync-client/internal/journal"
	"trading-sync-client/internal/logging"
	"trading-sync-client/internal/models"
	"trading-sync-client/internal/notification"
	"trading-sync-client/internal/ops"
	"trading-sync-client/internal/rest"
	"trading-sync-client/internal/state"
	"trading-sync-client/internal/stream"
	"trading-sync-client/internal/syncer"
	"trading-sync-client/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "sync",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logging.SetDefault(logger)

	bus := events.NewBus()
	store := state.New(bus)

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Error("failed to create vault client", "error", err)
		os.Exit(1)
	}

	notifier := notification.NewManager(cfg.NotificationConfig.Enabled, logger)
	notifier.AddNotifier(notification.NewLogNotifier(logger))
	notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
		Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		BotToken: cfg.NotificationConfig.Telegram.BotToken,
		ChatID:   cfg.NotificationConfig.Telegram.ChatID,
	}))
	notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
		Enabled:    cfg.NotificationConfig.Discord.Enabled,
		WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
	}))

	restClient := rest.NewClient(rest.Config{
		BaseURL:       cfg.APIConfig.BaseURL,
		Timeout:       time.Duration(cfg.APIConfig.TimeoutSeconds) * time.Second,
		RetryAttempts: cfg.SyncConfig.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.SyncConfig.RetryBackoffMs) * time.Millisecond,
	}, vaultClient, func(mode models.TradingMode) bool {
		return store.Mode() == mode
	}, logger.WithComponent("rest"))

	jnl := journal.New(cfg.RedisConfig)
	defer jnl.Close()
	jnl.Watch(bus, store)

	manager := syncer.New(syncer.Config{
		DriftResyncProbability: cfg.SyncConfig.DriftResyncProbability,
		SignalFreshnessWindow:  time.Duration(cfg.SyncConfig.SignalFreshnessMinutes) * time.Minute,
		MaxRecentSignals:       cfg.SyncConfig.MaxRecentSignals,
	}, store, restClient, nil, notifier, bus, jnl, logger)

	consumer := stream.NewConsumer(stream.Config{
		URL:                  cfg.StreamConfig.URL,
		PingInterval:         time.Duration(cfg.StreamConfig.PingIntervalSeconds) * time.Second,
		ReconnectEnabled:     cfg.StreamConfig.ReconnectEnabled,
		MaxReconnectAttempts: cfg.StreamConfig.MaxReconnectAttempts,
		ReconnectBackoff:     time.Duration(cfg.StreamConfig.ReconnectBackoffMs) * time.Millisecond,
	}, manager)
	manager.SetStream(consumer)

	var opsServer *ops.Server
	if cfg.OpsConfig.Enabled {
		opsServer = ops.NewServer(cfg.OpsConfig, store, consumer)
		opsServer.Start()
	}

	ctx := context.Background()
	mode := models.TradingMode(cfg.SyncConfig.Mode)
	if err := manager.SetMode(ctx, mode); err != nil {
		logger.Error("failed to activate mode", "mode", mode.String(), "error", err)
	}

	logger.Info("trading state sync started", "mode", mode.String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown error", "error", err)
		}
	}
}
