package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the effective configuration: defaults, then the TOML file at
// path (if non-empty), then TRADEGUARD_* environment variable overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (Config, error) {
	// Best effort: missing .env is fine.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps TRADEGUARD_* environment variables onto cfg.
// Unset variables leave the current value untouched.
func applyEnvOverrides(cfg *Config) {
	setStr("TRADEGUARD_MODE", &cfg.Mode)
	setStr("TRADEGUARD_LOG_LEVEL", &cfg.LogLevel)

	setStr("TRADEGUARD_EXCHANGE_REST_HOST", &cfg.Exchange.RestHost)
	setStr("TRADEGUARD_EXCHANGE_WS_HOST", &cfg.Exchange.WsHost)
	setStr("TRADEGUARD_EXCHANGE_API_KEY", &cfg.Exchange.ApiKey)
	setStr("TRADEGUARD_EXCHANGE_API_SECRET", &cfg.Exchange.ApiSecret)
	setStr("TRADEGUARD_EXCHANGE_ENCRYPTED_SECRET_PATH", &cfg.Exchange.EncryptedSecretPath)
	setStr("TRADEGUARD_EXCHANGE_SECRET_PASSWORD", &cfg.Exchange.SecretPassword)
	setInt("TRADEGUARD_EXCHANGE_RECV_WINDOW_MS", &cfg.Exchange.RecvWindowMs)
	setInt("TRADEGUARD_EXCHANGE_RATE_LIMIT_PER_MINUTE", &cfg.Exchange.RateLimitPerMinute)

	setStr("TRADEGUARD_DB_DSN", &cfg.Database.DSN)
	setStr("TRADEGUARD_DB_HOST", &cfg.Database.Host)
	setInt("TRADEGUARD_DB_PORT", &cfg.Database.Port)
	setStr("TRADEGUARD_DB_NAME", &cfg.Database.Database)
	setStr("TRADEGUARD_DB_USER", &cfg.Database.User)
	setStr("TRADEGUARD_DB_PASSWORD", &cfg.Database.Password)
	setStr("TRADEGUARD_DB_SSL_MODE", &cfg.Database.SSLMode)
	setInt("TRADEGUARD_DB_POOL_MAX_CONNS", &cfg.Database.PoolMaxConns)
	setBool("TRADEGUARD_DB_RUN_MIGRATIONS", &cfg.Database.RunMigrations)

	setStr("TRADEGUARD_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("TRADEGUARD_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("TRADEGUARD_REDIS_DB", &cfg.Redis.DB)
	setBool("TRADEGUARD_REDIS_TLS", &cfg.Redis.TLSEnabled)

	setStr("TRADEGUARD_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("TRADEGUARD_S3_REGION", &cfg.S3.Region)
	setStr("TRADEGUARD_S3_BUCKET", &cfg.S3.Bucket)
	setStr("TRADEGUARD_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("TRADEGUARD_S3_SECRET_KEY", &cfg.S3.SecretKey)

	setStr("TRADEGUARD_RISK_CAPITAL", &cfg.Risk.Capital)
	setStr("TRADEGUARD_RISK_CURRENCY", &cfg.Risk.Currency)
	setFloat64("TRADEGUARD_RISK_MAX_POSITION_PCT", &cfg.Risk.MaxPositionPct)
	setFloat64("TRADEGUARD_RISK_MAX_EXPOSURE_PCT", &cfg.Risk.MaxExposurePct)
	setFloat64("TRADEGUARD_RISK_MIN_CONFIDENCE", &cfg.Risk.MinConfidence)
	setInt("TRADEGUARD_RISK_MAX_OPEN_POSITIONS", &cfg.Risk.MaxOpenPositions)
	setStringSlice("TRADEGUARD_RISK_SYMBOLS", &cfg.Risk.Symbols)

	setFloat64("TRADEGUARD_BREAKER_DAILY_LOSS_PCT", &cfg.Breaker.DailyLossPct)

	setDuration("TRADEGUARD_PROTECTION_MONITOR_INTERVAL", &cfg.Protection.MonitorInterval)
	setDuration("TRADEGUARD_PROTECTION_EMERGENCY_INTERVAL", &cfg.Protection.EmergencyInterval)
	setFloat64("TRADEGUARD_PROTECTION_EMERGENCY_LOSS_PCT", &cfg.Protection.EmergencyLossPct)

	setDuration("TRADEGUARD_RECONCILE_INTERVAL", &cfg.Reconcile.Interval)
	setFloat64("TRADEGUARD_RECONCILE_THRESHOLD_PCT", &cfg.Reconcile.ThresholdPct)

	setBool("TRADEGUARD_ARCHIVE_ENABLED", &cfg.Archive.Enabled)

	setBool("TRADEGUARD_SERVER_ENABLED", &cfg.Server.Enabled)
	setInt("TRADEGUARD_SERVER_PORT", &cfg.Server.Port)
	setStringSlice("TRADEGUARD_SERVER_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	setStr("TRADEGUARD_SERVER_API_KEY", &cfg.Server.APIKey)
	setInt("TRADEGUARD_SERVER_RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute)

	setStr("TRADEGUARD_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("TRADEGUARD_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("TRADEGUARD_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setStringSlice("TRADEGUARD_NOTIFY_EVENTS", &cfg.Notify.Events)
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setFloat64(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(key string, dst *duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
