// Package config defines the top-level configuration for tradeguard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRADEGUARD_* environment
// variables.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Risk       RiskConfig       `toml:"risk"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Protection ProtectionConfig `toml:"protection"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ExchangeConfig holds the futures exchange endpoints and credentials.
type ExchangeConfig struct {
	RestHost            string `toml:"rest_host"`
	WsHost              string `toml:"ws_host"`
	ApiKey              string `toml:"api_key"`
	ApiSecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	RecvWindowMs        int    `toml:"recv_window_ms"`
	RateLimitPerMinute  int    `toml:"rate_limit_per_minute"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for report archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RiskConfig holds the non-negotiable pre-trade risk limits. Capital and the
// percentage limits are decimal strings so monetary arithmetic stays exact.
type RiskConfig struct {
	Capital          string         `toml:"capital"`  // account capital, e.g. "2626.96"
	Currency         string         `toml:"currency"` // display currency, e.g. "CHF"
	MaxPositionPct   float64        `toml:"max_position_pct"`   // notional cap per position, fraction of capital
	MaxExposurePct   float64        `toml:"max_exposure_pct"`   // total open notional cap, fraction of capital
	MinConfidence    float64        `toml:"min_confidence"`     // decision-signal floor
	MinStopLossPct   float64        `toml:"min_stop_loss_pct"`  // stop distance floor, fraction of entry
	MaxStopLossPct   float64        `toml:"max_stop_loss_pct"`  // stop distance ceiling, fraction of entry
	MinLeverage      int            `toml:"min_leverage"`
	MaxLeverage      int            `toml:"max_leverage"`
	MaxOpenPositions int            `toml:"max_open_positions"`
	Symbols          []string       `toml:"symbols"`          // supported symbols
	SymbolLeverage   map[string]int `toml:"symbol_leverage"`  // per-symbol leverage ceilings
}

// BreakerConfig holds the daily-loss circuit breaker parameters.
type BreakerConfig struct {
	DailyLossPct float64 `toml:"daily_loss_pct"` // trip floor as fraction of capital, e.g. 0.07
}

// ProtectionConfig holds the stop-loss protection layer parameters.
type ProtectionConfig struct {
	MonitorInterval   duration `toml:"monitor_interval"`   // layer-2 check period
	EmergencyInterval duration `toml:"emergency_interval"` // layer-3 check period
	EmergencyLossPct  float64  `toml:"emergency_loss_pct"` // layer-3 raw-loss threshold, fraction of entry
}

// ReconcileConfig holds reconciliation parameters.
type ReconcileConfig struct {
	Interval     duration `toml:"interval"`      // periodic sweep period
	ThresholdPct float64  `toml:"threshold_pct"` // relative discrepancy correction threshold, e.g. 0.00001
}

// ArchiveConfig holds the daily S3 report archival parameters.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "2s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the operator HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards mutating endpoints; empty disables authentication.
	APIKey string `toml:"api_key"`
	// RateLimitPerMinute caps requests per client IP; 0 disables limiting.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			RestHost:           "https://fapi.binance.com",
			WsHost:             "wss://fstream.binance.com",
			RecvWindowMs:       5000,
			RateLimitPerMinute: 1200,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeguard-reports",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			Capital:          "2626.96",
			Currency:         "CHF",
			MaxPositionPct:   0.20,
			MaxExposurePct:   0.80,
			MinConfidence:    0.60,
			MinStopLossPct:   0.01,
			MaxStopLossPct:   0.10,
			MinLeverage:      5,
			MaxLeverage:      40,
			MaxOpenPositions: 6,
			Symbols:          []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			SymbolLeverage:   map[string]int{"SOLUSDT": 20},
		},
		Breaker: BreakerConfig{
			DailyLossPct: 0.07,
		},
		Protection: ProtectionConfig{
			MonitorInterval:   duration{2 * time.Second},
			EmergencyInterval: duration{1 * time.Second},
			EmergencyLossPct:  0.15,
		},
		Reconcile: ReconcileConfig{
			Interval:     duration{5 * time.Minute},
			ThresholdPct: 0.00001,
		},
		Archive: ArchiveConfig{
			Enabled: false,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_tripped", "emergency_close", "reconcile_flagged", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"server":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange: trading mode needs credentials from one of the two sources.
	if c.Mode == "trade" {
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key must be set for mode trade")
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for mode trade")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.RestHost == "" {
		errs = append(errs, "exchange: rest_host must not be empty")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3: only checked when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Risk
	if strings.TrimSpace(c.Risk.Capital) == "" {
		errs = append(errs, "risk: capital must be set")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_position_pct must be in (0,1], got %g", c.Risk.MaxPositionPct))
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_exposure_pct must be in (0,1], got %g", c.Risk.MaxExposurePct))
	}
	if c.Risk.MaxPositionPct > c.Risk.MaxExposurePct {
		errs = append(errs, "risk: max_position_pct must not exceed max_exposure_pct")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("risk: min_confidence must be in [0,1], got %g", c.Risk.MinConfidence))
	}
	if c.Risk.MinStopLossPct <= 0 || c.Risk.MaxStopLossPct <= c.Risk.MinStopLossPct {
		errs = append(errs, "risk: stop loss bounds must satisfy 0 < min < max")
	}
	if c.Risk.MinLeverage < 1 || c.Risk.MaxLeverage < c.Risk.MinLeverage {
		errs = append(errs, "risk: leverage bounds must satisfy 1 <= min <= max")
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if len(c.Risk.Symbols) == 0 {
		errs = append(errs, "risk: at least one supported symbol is required")
	}

	// Breaker
	if c.Breaker.DailyLossPct <= 0 || c.Breaker.DailyLossPct >= 1 {
		errs = append(errs, fmt.Sprintf("breaker: daily_loss_pct must be in (0,1), got %g", c.Breaker.DailyLossPct))
	}

	// Protection
	if c.Protection.MonitorInterval.Duration <= 0 {
		errs = append(errs, "protection: monitor_interval must be > 0")
	}
	if c.Protection.EmergencyInterval.Duration <= 0 {
		errs = append(errs, "protection: emergency_interval must be > 0")
	}
	if c.Protection.EmergencyLossPct <= 0 {
		errs = append(errs, "protection: emergency_loss_pct must be > 0")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}
	if c.Reconcile.ThresholdPct <= 0 {
		errs = append(errs, "reconcile: threshold_pct must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
