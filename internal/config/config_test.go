package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	if cfg.Storage.Driver != DriverFile || cfg.Storage.Dir != "data" {
		t.Fatalf("storage 默认值不正确: %+v", cfg.Storage)
	}
	if cfg.Ledger.StaleAfter != 24*time.Hour {
		t.Fatalf("stale_after 默认应为 24h, 实际 %s", cfg.Ledger.StaleAfter)
	}
	if cfg.Ledger.AutoRollbackStale {
		t.Fatal("auto_rollback_stale 默认应关闭")
	}
	if cfg.Autopay.Enabled {
		t.Fatal("autopay 默认应关闭")
	}
	if cfg.Autopay.MaxConcurrent != 4 || cfg.Autopay.MethodID != "lightning" {
		t.Fatalf("autopay 默认值不正确: %+v", cfg.Autopay)
	}
	if cfg.Autopay.GlobalDailyLimitSats != 0 || cfg.Autopay.RequireApprovalAboveSats != 0 {
		t.Fatalf("全局限额与审批阈值默认应关闭: %+v", cfg.Autopay)
	}
	if !cfg.Autopay.NotifyOnAutopay || !cfg.Autopay.NotifyOnLimitReached {
		t.Fatalf("通知开关默认应开启: %+v", cfg.Autopay)
	}
	if cfg.Discovery.Interval != 15*time.Minute {
		t.Fatalf("discovery.interval 默认应为 15m, 实际 %s", cfg.Discovery.Interval)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `storage:
  driver: memory
ledger:
  location: Europe/Berlin
  stale_after: 2h
autopay:
  enabled: true
  max_concurrent: 2
  global_daily_limit_sats: 250000
  require_approval_above_sats: 10000
  notify_on_autopay: false
alerting:
  channels: log,nats
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	t.Setenv("SPENDGUARD_DISCOVERY_OWNER_ID", "pk-owner")
	t.Setenv("SPENDGUARD_AUTOPAY_EXECUTE_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Fatalf("storage.driver 应来自文件: %s", cfg.Storage.Driver)
	}
	if cfg.Ledger.StaleAfter != 2*time.Hour || !cfg.Autopay.Enabled || cfg.Autopay.MaxConcurrent != 2 {
		t.Fatalf("文件配置未生效: %+v %+v", cfg.Ledger, cfg.Autopay)
	}
	if cfg.Discovery.OwnerID != "pk-owner" {
		t.Fatalf("环境变量未生效: %q", cfg.Discovery.OwnerID)
	}
	if cfg.Autopay.GlobalDailyLimitSats != 250000 || cfg.Autopay.RequireApprovalAboveSats != 10000 {
		t.Fatalf("autopay 限额配置未生效: %+v", cfg.Autopay)
	}
	if cfg.Autopay.NotifyOnAutopay || !cfg.Autopay.NotifyOnLimitReached {
		t.Fatalf("通知开关配置未生效: %+v", cfg.Autopay)
	}
	if cfg.Autopay.ExecuteTimeout != 45*time.Second {
		t.Fatalf("execute_timeout 环境变量未生效: %s", cfg.Autopay.ExecuteTimeout)
	}
	if len(cfg.Alerting.Channels) != 2 || cfg.Alerting.Channels[1] != "nats" {
		t.Fatalf("channels 应按逗号拆分: %v", cfg.Alerting.Channels)
	}
	loc, err := cfg.Ledger.LoadLocation()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("location 解析不正确: %v %v", loc, err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:   StorageConfig{Driver: DriverMemory},
			Ledger:    LedgerConfig{StaleAfter: time.Hour},
			Autopay:   AutopayConfig{MaxConcurrent: 1},
			Discovery: DiscoveryConfig{Interval: time.Minute},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}

	cases := map[string]func(c *Config){
		"unknown driver":     func(c *Config) { c.Storage.Driver = "redis" },
		"postgres no dsn":    func(c *Config) { c.Storage.Driver = DriverPostgres },
		"file no dir":        func(c *Config) { c.Storage.Driver = DriverFile },
		"bad location":       func(c *Config) { c.Ledger.Location = "Mars/Olympus" },
		"zero stale":         func(c *Config) { c.Ledger.StaleAfter = 0 },
		"zero concurrency":   func(c *Config) { c.Autopay.MaxConcurrent = 0 },
		"zero interval":      func(c *Config) { c.Discovery.Interval = 0 },
		"telegram no token":  func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} },
		"nats without url":   func(c *Config) { c.Alerting.NATS = NATSConfig{Enabled: true} },
		"negative retention": func(c *Config) { c.Ledger.Retention = -time.Hour },
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("基础配置应合法: %v", err)
	}
	for name, mutate := range cases {
		c := base()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: 应校验失败", name)
		}
	}
}
