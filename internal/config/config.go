package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Rules         RulesConfig         `mapstructure:"rules"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	AutoResponse  AutoResponseConfig  `mapstructure:"auto_response"`
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	Sources       SourcesConfig       `mapstructure:"sources"`
	Export        ExportConfig        `mapstructure:"export"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// SchedulerConfig holds scheduler loop settings
type SchedulerConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	DefaultTimeoutMinutes int           `mapstructure:"default_timeout_minutes"`
	StaleSweep            bool          `mapstructure:"stale_sweep"` // fail abandoned running executions on start
	Lease                 LeaseConfig   `mapstructure:"lease"`
}

// LeaseConfig selects the cross-instance run guard
type LeaseConfig struct {
	Backend string        `mapstructure:"backend"` // none, database or redis
	TTL     time.Duration `mapstructure:"ttl"`     // added to the run timeout
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RulesConfig holds rule engine settings
type RulesConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// NotificationsConfig holds notification delivery settings
type NotificationsConfig struct {
	Channels      []string `mapstructure:"channels"` // enabled channels: in_app, log
	RatePerMinute int      `mapstructure:"rate_per_minute"`
}

// AutoResponseConfig holds auto-response settings
type AutoResponseConfig struct {
	RatePerMinute int  `mapstructure:"rate_per_minute"`
	UseAI         bool `mapstructure:"use_ai"` // allow templates flagged use_ai to be drafted by Claude
}

// AnthropicConfig holds Claude API settings
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// SourcesConfig holds all lead source configurations
type SourcesConfig struct {
	RSS RSSConfig `mapstructure:"rss"`
}

// RSSConfig holds RSS feed settings
type RSSConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Feeds   []RSSFeed `mapstructure:"feeds"`
}

// RSSFeed represents a single listing feed
type RSSFeed struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// ExportConfig holds export destinations
type ExportConfig struct {
	Sheets SheetsConfig `mapstructure:"sheets"`
}

// SheetsConfig holds Google Sheets export settings
type SheetsConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	AnthropicRequestsPerMinute int `mapstructure:"anthropic_requests_per_minute"`
	SourceRequestsPerHour      int `mapstructure:"source_requests_per_hour"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".leadflow"))
		}
	}

	v.SetEnvPrefix("LEADFLOW")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("database.driver", "LEADFLOW_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "LEADFLOW_DATABASE_DSN")
	v.BindEnv("anthropic.api_key", "LEADFLOW_ANTHROPIC_API_KEY")
	v.BindEnv("scheduler.lease.backend", "LEADFLOW_SCHEDULER_LEASE_BACKEND")
	v.BindEnv("scheduler.lease.redis.addr", "LEADFLOW_REDIS_ADDR")
	v.BindEnv("scheduler.lease.redis.password", "LEADFLOW_REDIS_PASSWORD")
	v.BindEnv("export.sheets.enabled", "LEADFLOW_EXPORT_SHEETS_ENABLED")
	v.BindEnv("export.sheets.spreadsheet_id", "LEADFLOW_EXPORT_SHEETS_SPREADSHEET_ID")
	v.BindEnv("export.sheets.credentials_file", "LEADFLOW_EXPORT_SHEETS_CREDENTIALS_FILE")
	v.BindEnv("export.sheets.service_account_json", "LEADFLOW_EXPORT_SHEETS_SERVICE_ACCOUNT_JSON")
	v.BindEnv("metrics.enabled", "LEADFLOW_METRICS_ENABLED")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/leadflow.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.poll_interval", "60s")
	v.SetDefault("scheduler.default_timeout_minutes", 30)
	v.SetDefault("scheduler.stale_sweep", true)
	v.SetDefault("scheduler.lease.backend", "none")
	v.SetDefault("scheduler.lease.ttl", "1m")
	v.SetDefault("scheduler.lease.redis.addr", "localhost:6379")

	v.SetDefault("rules.batch_size", 100)

	v.SetDefault("notifications.channels", []string{"in_app", "log"})
	v.SetDefault("notifications.rate_per_minute", 30)

	v.SetDefault("auto_response.rate_per_minute", 10)
	v.SetDefault("auto_response.use_ai", false)

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 1024)

	v.SetDefault("sources.rss.enabled", false)

	v.SetDefault("export.sheets.enabled", false)
	v.SetDefault("export.sheets.sheet_name", "Leads")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("rate_limit.anthropic_requests_per_minute", 10)
	v.SetDefault("rate_limit.source_requests_per_hour", 60)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	switch c.Scheduler.Lease.Backend {
	case "", "none", "database":
	case "redis":
		if c.Scheduler.Lease.Redis.Addr == "" {
			return fmt.Errorf("scheduler.lease.redis.addr is required for the redis lease backend")
		}
	default:
		return fmt.Errorf("unknown scheduler.lease.backend %q", c.Scheduler.Lease.Backend)
	}
	if c.AutoResponse.UseAI && c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required when auto_response.use_ai is enabled")
	}
	if c.Export.Sheets.Enabled {
		if c.Export.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("export.sheets.spreadsheet_id is required")
		}
		if c.Export.Sheets.CredentialsFile == "" && c.Export.Sheets.ServiceAccountJSON == "" {
			return fmt.Errorf("export.sheets needs credentials_file or service_account_json")
		}
	}
	return nil
}
