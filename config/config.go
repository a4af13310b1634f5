// Package config loads the application configuration from config.json with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/kocbey434343-ux/AI-sub001/internal/api"
	"github.com/kocbey434343-ux/AI-sub001/internal/execution"
	"github.com/kocbey434343-ux/AI-sub001/internal/feed"
	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/reconcile"
	"github.com/kocbey434343-ux/AI-sub001/internal/risk"
	"github.com/kocbey434343-ux/AI-sub001/internal/trader"
)

type Config struct {
	TradingConfig   TradingConfig    `json:"trading"`
	GuardsConfig    guards.Config    `json:"guards"`
	RiskConfig      risk.Config      `json:"risk"`
	ExecutionConfig execution.Config `json:"execution"`
	TraderConfig    trader.Config    `json:"trader"`
	ReconcileConfig reconcile.Config `json:"reconcile"`
	FeedConfig      feed.Config      `json:"feed"`
	ServerConfig    api.ServerConfig `json:"server"`
	StorageConfig   StorageConfig    `json:"storage"`
	RedisConfig     RedisConfig      `json:"redis"`
	LoggingConfig   LoggingConfig    `json:"logging"`
}

type TradingConfig struct {
	RiskPerTradePct float64 `json:"risk_per_trade_pct"`
	DryRun          bool    `json:"dry_run"`
	HaltFlagPath    string  `json:"halt_flag_path"`
}

type StorageConfig struct {
	DBPath              string `json:"db_path"`
	GuardRetentionDays  int    `json:"guard_retention_days"`
	MetricRetentionDays int    `json:"metric_retention_days"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level string `json:"level"` // DEBUG, INFO, WARN, ERROR
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		TradingConfig: TradingConfig{
			RiskPerTradePct: 1.0,
			DryRun:          true,
			HaltFlagPath:    "data/halt.flag",
		},
		GuardsConfig:    guards.DefaultConfig(),
		RiskConfig:      risk.DefaultConfig(),
		ExecutionConfig: execution.DefaultConfig(),
		TraderConfig:    trader.DefaultConfig(),
		ReconcileConfig: reconcile.DefaultConfig(),
		FeedConfig:      feed.DefaultConfig(),
		ServerConfig:    api.DefaultServerConfig(),
		StorageConfig: StorageConfig{
			DBPath:              "data/trades.db",
			GuardRetentionDays:  30,
			MetricRetentionDays: 14,
		},
		RedisConfig: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		LoggingConfig: LoggingConfig{Level: "INFO"},
	}
}

// Load reads config.json (when present) over the defaults, then applies
// environment variable overrides.
func Load() (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, getEnvOrDefault("CONFIG_PATH", "config.json")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides; these take
// precedence over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", boolStr(cfg.TradingConfig.DryRun)) == "true"
	cfg.TradingConfig.HaltFlagPath = getEnvOrDefault("HALT_FLAG_PATH", cfg.TradingConfig.HaltFlagPath)
	if v, err := strconv.ParseFloat(getEnvOrDefault("RISK_PER_TRADE_PCT", ""), 64); err == nil && v > 0 {
		cfg.TradingConfig.RiskPerTradePct = v
	}

	cfg.StorageConfig.DBPath = getEnvOrDefault("DB_PATH", cfg.StorageConfig.DBPath)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.ServerConfig.Host = getEnvOrDefault("API_HOST", cfg.ServerConfig.Host)
	if v, err := strconv.Atoi(getEnvOrDefault("API_PORT", "")); err == nil && v > 0 {
		cfg.ServerConfig.Port = v
	}

	cfg.FeedConfig.URL = getEnvOrDefault("STREAM_URL", cfg.FeedConfig.URL)
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
