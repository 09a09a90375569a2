package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spendguard/internal/logging"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Autopay   AutopayConfig   `mapstructure:"autopay"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Directory HTTPConfig      `mapstructure:"directory"`
	Executor  HTTPConfig      `mapstructure:"executor"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects where limits, reservations and request statuses live.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LedgerConfig governs accounting windows and reservation housekeeping.
type LedgerConfig struct {
	Location          string        `mapstructure:"location"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	AutoRollbackStale bool          `mapstructure:"auto_rollback_stale"`
	Retention         time.Duration `mapstructure:"retention"`
}

// AutopayConfig drives the decision pipeline.
type AutopayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MethodID       string        `mapstructure:"method_id"`
	RulesFile      string        `mapstructure:"rules_file"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"`

	// GlobalDailyLimitSats caps autopay across all peers per day; 0 disables it.
	GlobalDailyLimitSats uint64 `mapstructure:"global_daily_limit_sats"`
	// RequireApprovalAboveSats routes larger payments to manual approval; 0 disables it.
	RequireApprovalAboveSats uint64 `mapstructure:"require_approval_above_sats"`
	NotifyOnAutopay          bool   `mapstructure:"notify_on_autopay"`
	NotifyOnLimitReached     bool   `mapstructure:"notify_on_limit_reached"`
}

// DiscoveryConfig governs polling cadence.
type DiscoveryConfig struct {
	OwnerID         string        `mapstructure:"owner_id"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// HTTPConfig covers a JSON HTTP collaborator.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NATSConfig 描述 NATS 发布参数。
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPENDGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spendguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.driver", DriverFile)
	v.SetDefault("storage.dir", "data")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("ledger.location", "UTC")
	v.SetDefault("ledger.stale_after", "24h")
	v.SetDefault("ledger.auto_rollback_stale", false)
	v.SetDefault("ledger.retention", "720h")

	v.SetDefault("autopay.enabled", false)
	v.SetDefault("autopay.method_id", "lightning")
	v.SetDefault("autopay.rules_file", "rules.yaml")
	v.SetDefault("autopay.max_concurrent", 4)
	v.SetDefault("autopay.execute_timeout", "60s")
	v.SetDefault("autopay.global_daily_limit_sats", 0)
	v.SetDefault("autopay.require_approval_above_sats", 0)
	v.SetDefault("autopay.notify_on_autopay", true)
	v.SetDefault("autopay.notify_on_limit_reached", true)

	v.SetDefault("discovery.owner_id", "")
	v.SetDefault("discovery.interval", "15m")
	v.SetDefault("discovery.align_to_interval", false)
	v.SetDefault("discovery.startup_delay", "0s")
	v.SetDefault("discovery.cycle_timeout", "5m")
	v.SetDefault("discovery.advisory_lock_key", int64(0x73706e64))

	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.timeout", "10s")
	v.SetDefault("directory.user_agent", "spendguard/1.0")
	v.SetDefault("executor.base_url", "")
	v.SetDefault("executor.timeout", "60s")
	v.SetDefault("executor.user_agent", "spendguard/1.0")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("alerting.nats.subject_prefix", "spendguard.notifications")
	v.SetDefault("alerting.nats.connect_timeout", "5s")
	v.SetDefault("alerting.nats.reconnect_wait", "2s")
	v.SetDefault("alerting.nats.max_reconnects", 60)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fmt.Errorf("storage.dir 必须配置 (driver=file)")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn 必须配置 (driver=postgres)")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, file, postgres (got %q)", c.Storage.Driver)
	}
	if _, err := c.Ledger.LoadLocation(); err != nil {
		return err
	}
	if c.Ledger.StaleAfter <= 0 {
		return fmt.Errorf("ledger.stale_after must be greater than zero")
	}
	if c.Ledger.Retention < 0 {
		return fmt.Errorf("ledger.retention cannot be negative")
	}
	if c.Autopay.MaxConcurrent <= 0 {
		return fmt.Errorf("autopay.max_concurrent must be greater than zero")
	}
	if c.Autopay.ExecuteTimeout < 0 {
		return fmt.Errorf("autopay.execute_timeout cannot be negative")
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.NATS.Enabled && strings.TrimSpace(c.Alerting.NATS.URL) == "" {
		return fmt.Errorf("alerting.nats.url 必须配置")
	}
	return nil
}

// LoadLocation resolves the accounting-window time zone.
func (l LedgerConfig) LoadLocation() (*time.Location, error) {
	name := strings.TrimSpace(l.Location)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("ledger.location: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
