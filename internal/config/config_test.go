package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns Defaults() made valid for mode trade.
func validConfig() Config {
	cfg := Defaults()
	cfg.Exchange.ApiKey = "key"
	cfg.Exchange.ApiSecret = "secret"
	return cfg
}

func TestDefaultsValidateInMonitorMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestDefaultsNeedCredentialsForTrading(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Risk.MaxPositionPct = 1.5
	cfg.Breaker.DailyLossPct = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "max_position_pct")
	assert.Contains(t, err.Error(), "daily_loss_pct")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidateStopBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.MinStopLossPct = 0.10
	cfg.Risk.MaxStopLossPct = 0.01

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop loss bounds")
}

func TestValidateS3OnlyWhenArchiveEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Bucket = ""
	assert.NoError(t, cfg.Validate())

	cfg.Archive.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"
log_level = "debug"

[risk]
capital = "5000.00"
max_open_positions = 3

[protection]
monitor_interval = "4s"
emergency_interval = "500ms"

[server]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "5000.00", cfg.Risk.Capital)
	assert.Equal(t, 3, cfg.Risk.MaxOpenPositions)
	assert.Equal(t, 4*time.Second, cfg.Protection.MonitorInterval.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Protection.EmergencyInterval.Duration)
	assert.False(t, cfg.Server.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.07, cfg.Breaker.DailyLossPct)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval.Duration)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "bogus"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADEGUARD_MODE", "server")
	t.Setenv("TRADEGUARD_RISK_CAPITAL", "1000.00")
	t.Setenv("TRADEGUARD_RISK_SYMBOLS", "BTCUSDT, ETHUSDT")
	t.Setenv("TRADEGUARD_PROTECTION_MONITOR_INTERVAL", "3s")
	t.Setenv("TRADEGUARD_SERVER_PORT", "9090")
	t.Setenv("TRADEGUARD_DB_RUN_MIGRATIONS", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "1000.00", cfg.Risk.Capital)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Risk.Symbols)
	assert.Equal(t, 3*time.Second, cfg.Protection.MonitorInterval.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Database.RunMigrations)
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	t.Setenv("TRADEGUARD_MODE", "monitor")
	t.Setenv("TRADEGUARD_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port, "malformed override keeps the default")
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Exchange.ApiSecret = "supersecretvalue"
	cfg.Database.Password = "dbpassword"
	cfg.Database.DSN = "postgres://user:pw@host/db"
	cfg.Server.APIKey = "operator-key"

	red := cfg.Redacted()
	assert.Equal(t, "supe***", red.Exchange.ApiSecret)
	assert.Equal(t, "dbpa***", red.Database.Password)
	assert.Equal(t, "***", red.Database.DSN)
	assert.Equal(t, "oper***", red.Server.APIKey)

	// The original is untouched.
	assert.Equal(t, "supersecretvalue", cfg.Exchange.ApiSecret)
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
