package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/movement"
	"github.com/rewired-gh/linewatch/internal/window"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Movement  MovementConfig  `mapstructure:"movement"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig holds database configuration
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// MovementConfig holds late movement detection configuration
type MovementConfig struct {
	ThresholdPct       float64       `mapstructure:"threshold_pct"`
	ThresholdAbs       float64       `mapstructure:"threshold_abs"`
	HoursBeforeKickoff float64       `mapstructure:"hours_before_kickoff"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SweepLookback      time.Duration `mapstructure:"sweep_lookback"`
	QueueSize          int           `mapstructure:"queue_size"`
}

// DashboardConfig holds dashboard materialization configuration
type DashboardConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	LookbackHours int           `mapstructure:"lookback_hours"`
	Windows       []string      `mapstructure:"windows"`
}

// PublisherConfig holds change publication configuration
type PublisherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	PropType string        `mapstructure:"prop_type"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds Redis stream sink configuration
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. LINEWATCH_STORAGE_DSN
	v.SetEnvPrefix("LINEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/linewatch.db")

	// Movement defaults
	v.SetDefault("movement.threshold_pct", 10.0)
	v.SetDefault("movement.threshold_abs", 5.0)
	v.SetDefault("movement.hours_before_kickoff", 3.0)
	v.SetDefault("movement.sweep_interval", "5m")
	v.SetDefault("movement.sweep_lookback", "168h")
	v.SetDefault("movement.queue_size", 1024)

	// Dashboard defaults
	v.SetDefault("dashboard.cache_ttl", "30s")
	v.SetDefault("dashboard.lookback_hours", 48)
	v.SetDefault("dashboard.windows", []string{"5m", "10m", "15m", "30m", "45m", "60m", "12h", "24h", window.OpenName})

	// Publisher defaults
	v.SetDefault("publisher.enabled", true)
	v.SetDefault("publisher.prop_type", "")
	v.SetDefault("publisher.timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.stream", "linewatch")
	v.SetDefault("redis.max_len", 1000)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.read_timeout and server.write_timeout must be positive")
	}

	// Validate Storage config
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	// Validate Movement config
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("movement: %w", err)
	}
	if c.Movement.SweepInterval < 1*time.Second {
		return fmt.Errorf("movement.sweep_interval must be at least 1 second")
	}
	if c.Movement.SweepLookback <= 0 {
		return fmt.Errorf("movement.sweep_lookback must be positive")
	}
	if c.Movement.QueueSize < 1 {
		return fmt.Errorf("movement.queue_size must be at least 1")
	}

	// Validate Dashboard config
	if c.Dashboard.CacheTTL <= 0 {
		return fmt.Errorf("dashboard.cache_ttl must be positive")
	}
	if c.Dashboard.LookbackHours < 1 || c.Dashboard.LookbackHours > dashboard.MaxHoursBack {
		return fmt.Errorf("dashboard.lookback_hours must be between 1 and %d", dashboard.MaxHoursBack)
	}
	if len(c.Dashboard.Windows) == 0 {
		return fmt.Errorf("dashboard.windows must contain at least one window")
	}
	if _, err := window.Parse(c.Dashboard.Windows); err != nil {
		return fmt.Errorf("dashboard.windows: %w", err)
	}

	// Validate Publisher config
	if _, err := models.ParsePropType(c.Publisher.PropType); err != nil {
		return fmt.Errorf("publisher.prop_type: %w", err)
	}
	if c.Publisher.Enabled && c.Publisher.Timeout <= 0 {
		return fmt.Errorf("publisher.timeout must be positive")
	}

	// Validate Redis config
	if c.Redis.Enabled {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when redis is enabled")
		}
		if c.Redis.MaxLen < 0 {
			return fmt.Errorf("redis.max_len must not be negative")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
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

// Thresholds returns the configured detection thresholds.
func (c *Config) Thresholds() movement.Thresholds {
	return movement.Thresholds{
		Pct:         c.Movement.ThresholdPct,
		Abs:         c.Movement.ThresholdAbs,
		HoursBefore: c.Movement.HoursBeforeKickoff,
	}
}

// PublisherScope returns the dashboard scope pushed to subscribers. Call after
// Validate.
func (c *Config) PublisherScope() dashboard.Scope {
	p, _ := models.ParsePropType(c.Publisher.PropType)
	return dashboard.Scope{PropType: p, HoursBack: c.Dashboard.LookbackHours}
}

// Windows returns the parsed dashboard windows. Call after Validate.
func (c *Config) Windows() []window.Window {
	windows, err := window.Parse(c.Dashboard.Windows)
	if err != nil {
		return window.Defaults()
	}
	return windows
}
