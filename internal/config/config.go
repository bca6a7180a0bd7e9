package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Kalshi   KalshiConfig   `mapstructure:"kalshi"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Health   HealthConfig   `mapstructure:"health"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// KalshiConfig holds market-data API configuration
type KalshiConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Limit               int           `mapstructure:"limit"`
	MaxMarkets          int           `mapstructure:"max_markets"`
	Timeout             time.Duration `mapstructure:"timeout"`
	UserAgent           string        `mapstructure:"user_agent"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// MonitorConfig holds polling and ranking behavior
type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TopK         int           `mapstructure:"top_k"`
	FindLimit    int           `mapstructure:"find_limit"`
}

// TelegramConfig holds the chat platform configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	AdminChatID    int64         `mapstructure:"admin_chat_id"` // 0 = no ops notifications
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds watchlist persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// HealthConfig holds the optional health-check endpoint configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file, a .env file, and environment
// variables. A missing file at path is not an error; defaults apply.
func Load(path string) (*Config, error) {
	// .env is a convenience for local runs; hosts inject real env vars.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KALSHIBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.bot_token", "KALSHIBOT_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("health.port", "KALSHIBOT_HEALTH_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Kalshi defaults
	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.limit", 200)
	v.SetDefault("kalshi.max_markets", 1000)
	v.SetDefault("kalshi.timeout", "10s")
	v.SetDefault("kalshi.user_agent", "kalshibot/1.0")
	v.SetDefault("kalshi.max_idle_conns", 10)
	v.SetDefault("kalshi.max_idle_conns_per_host", 5)
	v.SetDefault("kalshi.idle_conn_timeout", "90s")

	// Monitor defaults
	v.SetDefault("monitor.poll_interval", "60s")
	v.SetDefault("monitor.top_k", 10)
	v.SetDefault("monitor.find_limit", 10)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.admin_chat_id", 0)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/watches.db")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Kalshi config
	if c.Kalshi.BaseURL == "" {
		return fmt.Errorf("kalshi.base_url is required")
	}
	if c.Kalshi.Limit < 1 || c.Kalshi.Limit > 1000 {
		return fmt.Errorf("kalshi.limit must be between 1 and 1000")
	}
	if c.Kalshi.MaxMarkets < c.Kalshi.Limit || c.Kalshi.MaxMarkets > 100000 {
		return fmt.Errorf("kalshi.max_markets must be between kalshi.limit and 100000")
	}
	if c.Kalshi.Timeout <= 0 {
		return fmt.Errorf("kalshi.timeout must be positive")
	}

	// Validate Monitor config
	if c.Monitor.PollInterval < 10*time.Second {
		return fmt.Errorf("monitor.poll_interval must be at least 10 seconds")
	}
	if c.Monitor.TopK < 1 {
		return fmt.Errorf("monitor.top_k must be at least 1")
	}
	if c.Monitor.FindLimit < 1 {
		return fmt.Errorf("monitor.find_limit must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.MaxRetries < 1 {
		return fmt.Errorf("telegram.max_retries must be at least 1")
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Validate Health config
	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port must be between 1 and 65535")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
