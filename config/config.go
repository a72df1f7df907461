package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	APIConfig          APIConfig          `json:"api"`
	StreamConfig       StreamConfig       `json:"stream"`
	SyncConfig         SyncConfig         `json:"sync"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	NotificationConfig NotificationConfig `json:"notification"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	OpsConfig          OpsConfig          `json:"ops"`
}

// APIConfig holds the trading service REST endpoint configuration
type APIConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StreamConfig holds the event stream configuration
type StreamConfig struct {
	URL                  string `json:"url"`
	PingIntervalSeconds  int    `json:"ping_interval_seconds"`
	ReconnectEnabled     bool   `json:"reconnect_enabled"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	ReconnectBackoffMs   int    `json:"reconnect_backoff_ms"`
}

// SyncConfig holds synchronization tuning
type SyncConfig struct {
	Mode                   string  `json:"mode"` // "paper", "real", or "" for inactive
	RetryAttempts          int     `json:"retry_attempts"`
	RetryBackoffMs         int     `json:"retry_backoff_ms"`
	DriftResyncProbability float64 `json:"drift_resync_probability"`
	SignalFreshnessMinutes int     `json:"signal_freshness_minutes"`
	MaxRecentSignals       int     `json:"max_recent_signals"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// RedisConfig holds Redis configuration for snapshot journaling
type RedisConfig struct {
	Enabled            bool   `json:"enabled"`
	Address            string `json:"address"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	PoolSize           int    `json:"pool_size"`
	SnapshotTTLMinutes int    `json:"snapshot_ttl_minutes"`
}

// VaultConfig holds HashiCorp Vault configuration for API credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// OpsConfig holds the local read-only ops server configuration
type OpsConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// API config
	cfg.APIConfig.BaseURL = getEnvOrDefault("TRADING_API_BASE_URL", cfg.APIConfig.BaseURL)
	if cfg.APIConfig.BaseURL == "" {
		cfg.APIConfig.BaseURL = "http://localhost:8090"
	}
	cfg.APIConfig.TimeoutSeconds = getEnvIntOrDefault("TRADING_API_TIMEOUT", 15)

	// Stream config
	cfg.StreamConfig.URL = getEnvOrDefault("TRADING_STREAM_URL", cfg.StreamConfig.URL)
	if cfg.StreamConfig.URL == "" {
		cfg.StreamConfig.URL = "ws://localhost:8090/api/v1/trading/stream"
	}
	cfg.StreamConfig.PingIntervalSeconds = getEnvIntOrDefault("STREAM_PING_INTERVAL", 30)
	cfg.StreamConfig.ReconnectEnabled = getEnvOrDefault("STREAM_RECONNECT_ENABLED", "true") == "true"
	cfg.StreamConfig.MaxReconnectAttempts = getEnvIntOrDefault("STREAM_MAX_RECONNECT_ATTEMPTS", 5)
	cfg.StreamConfig.ReconnectBackoffMs = getEnvIntOrDefault("STREAM_RECONNECT_BACKOFF_MS", 1000)

	// Sync config
	cfg.SyncConfig.Mode = getEnvOrDefault("TRADING_MODE", cfg.SyncConfig.Mode)
	if cfg.SyncConfig.Mode == "" {
		cfg.SyncConfig.Mode = "paper"
	}
	cfg.SyncConfig.RetryAttempts = getEnvIntOrDefault("SYNC_RETRY_ATTEMPTS", 3)
	cfg.SyncConfig.RetryBackoffMs = getEnvIntOrDefault("SYNC_RETRY_BACKOFF_MS", 1000)
	cfg.SyncConfig.DriftResyncProbability = getEnvFloatOrDefault("SYNC_DRIFT_RESYNC_PROBABILITY", 0.05)
	cfg.SyncConfig.SignalFreshnessMinutes = getEnvIntOrDefault("SYNC_SIGNAL_FRESHNESS_MINUTES", 30)
	cfg.SyncConfig.MaxRecentSignals = getEnvIntOrDefault("SYNC_MAX_RECENT_SIGNALS", 8)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "true") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)
	cfg.RedisConfig.SnapshotTTLMinutes = getEnvIntOrDefault("REDIS_SNAPSHOT_TTL_MINUTES", 1440)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-sync/credentials")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Ops server config
	cfg.OpsConfig.Enabled = getEnvOrDefault("OPS_ENABLED", "true") == "true"
	cfg.OpsConfig.Host = getEnvOrDefault("OPS_HOST", "127.0.0.1")
	cfg.OpsConfig.Port = getEnvIntOrDefault("OPS_PORT", 8091)
	cfg.OpsConfig.AllowedOrigins = getEnvOrDefault("OPS_ALLOWED_ORIGINS", "*")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
