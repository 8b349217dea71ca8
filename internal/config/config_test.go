package config

import (
	"os"
	"testing"
	"time"

	"github.com/rewired-gh/linewatch/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  cors_origins:
    - "https://dash.example.com"

storage:
  driver: "postgres"
  dsn: "postgres://linewatch@localhost/linewatch?sslmode=disable"

movement:
  threshold_pct: 12.5
  threshold_abs: 4
  hours_before_kickoff: 2
  sweep_interval: 1m

dashboard:
  cache_ttl: 10s
  lookback_hours: 24
  windows: ["15m", "1h", "open"]

publisher:
  prop_type: "receiving_yards"

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" || len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("Unexpected server config: %+v", cfg.Server)
	}
	// defaults fill what the file omits
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Expected default read timeout 15s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Movement.SweepLookback != 168*time.Hour {
		t.Errorf("Expected default sweep lookback 168h, got %v", cfg.Movement.SweepLookback)
	}
	if cfg.Telegram.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Telegram.MaxRetries)
	}

	th := cfg.Thresholds()
	if th.Pct != 12.5 || th.Abs != 4 || th.HoursBefore != 2 {
		t.Errorf("Unexpected thresholds: %+v", th)
	}
	if w := cfg.Windows(); len(w) != 3 || w[1].Duration != time.Hour || !w[2].SinceOpen {
		t.Errorf("Unexpected windows: %+v", w)
	}
	if s := cfg.PublisherScope(); s.PropType != models.PropTypeReceiving || s.HoursBack != 24 {
		t.Errorf("Unexpected publisher scope: %+v", s)
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config must be valid: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dashboard.CacheTTL != 30*time.Second || len(cfg.Windows()) != 9 {
		t.Errorf("Unexpected defaults: storage=%+v dashboard=%+v", cfg.Storage, cfg.Dashboard)
	}
	if s := cfg.PublisherScope(); s.PropType != models.PropTypeAll || s.HoursBack != 48 {
		t.Errorf("Unexpected default publisher scope: %+v", s)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("LINEWATCH_STORAGE_DSN", "/tmp/override.db")
	t.Setenv("LINEWATCH_MOVEMENT_THRESHOLD_ABS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.DSN != "/tmp/override.db" {
		t.Errorf("Expected DSN from environment, got %q", cfg.Storage.DSN)
	}
	if cfg.Movement.ThresholdAbs != 7 {
		t.Errorf("Expected threshold_abs 7 from environment, got %v", cfg.Movement.ThresholdAbs)
	}
}

func TestLoad_TelegramFromEnvironment(t *testing.T) {
	t.Setenv("LINEWATCH_TELEGRAM_ENABLED", "true")
	t.Setenv("LINEWATCH_TELEGRAM_BOT_TOKEN", "env_token")
	t.Setenv("LINEWATCH_TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.BotToken != "env_token" || cfg.Telegram.ChatID != "-100123" {
		t.Errorf("Expected telegram settings from environment, got %+v", cfg.Telegram)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/linewatch.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"negative threshold", func(c *Config) { c.Movement.ThresholdPct = -1 }},
		{"negative hours before kickoff", func(c *Config) { c.Movement.HoursBeforeKickoff = -3 }},
		{"zero sweep lookback", func(c *Config) { c.Movement.SweepLookback = 0 }},
		{"zero cache ttl", func(c *Config) { c.Dashboard.CacheTTL = 0 }},
		{"zero lookback hours", func(c *Config) { c.Dashboard.LookbackHours = 0 }},
		{"lookback hours too large", func(c *Config) { c.Dashboard.LookbackHours = 100000 }},
		{"unknown window", func(c *Config) { c.Dashboard.Windows = []string{"5m", "fortnight"} }},
		{"duplicate window", func(c *Config) { c.Dashboard.Windows = []string{"5m", "5m"} }},
		{"unknown publisher prop type", func(c *Config) { c.Publisher.PropType = "passing_yards" }},
		{"redis without url", func(c *Config) { c.Redis.Enabled = true; c.Redis.URL = "" }},
		{"missing telegram token when enabled", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}
