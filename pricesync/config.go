package pricesync

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync/internal/archive"
)

// Config holds all pricesync configuration.
type Config struct {
	Feed    FeedConfig              `yaml:"feed"`
	Rates   RatesConfig             `yaml:"rates"`
	Store   StoreConfig             `yaml:"store"`
	Sync    SyncConfig              `yaml:"sync"`
	Notify  NotifyConfig            `yaml:"notify"`
	Archive archive.Config          `yaml:"archive"`
	Server  ServerConfig            `yaml:"server"`
	Log     observability.LogConfig `yaml:"log"`
}

// FeedConfig locates the price feed.
type FeedConfig struct {
	URL       string        `yaml:"url"`
	Path      string        `yaml:"path"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
}

// RatesConfig controls exchange-rate lookup.
type RatesConfig struct {
	URL      string             `yaml:"url"`
	Base     string             `yaml:"base"`
	Timeout  time.Duration      `yaml:"timeout"`
	Fallback map[string]float64 `yaml:"fallback"`
}

// StoreConfig locates the database.
type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	CacheSizeKiB  int    `yaml:"cache_size_kib"`
	Synchronous   string `yaml:"synchronous"` // OFF, NORMAL, FULL or EXTRA. Default: NORMAL.
}

// SyncConfig tunes the pass.
type SyncConfig struct {
	RetentionDays     int           `yaml:"retention_days"`
	SharpThreshold    float64       `yaml:"sharp_threshold"`
	NewSampleSize     int           `yaml:"new_sample_size"`
	ProgressEvery     int           `yaml:"progress_every"`
	ReferenceSupplier string        `yaml:"reference_supplier"`
	MissingMinMisses  int           `yaml:"missing_min_misses"`
	SkipCompact       bool          `yaml:"skip_compact"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	// Interval runs the sync periodically inside serve. Zero disables it.
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start"`
}

// NotifyConfig configures Telegram delivery. Without a bot token and chat ID
// notifications go to the log.
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	TelegramAPI    string `yaml:"telegram_api"`
	Silent         bool   `yaml:"silent"`
	ListLimit      int    `yaml:"list_limit"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Token           string        `yaml:"token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) defaults() {
	if c.Feed.Path == "" {
		c.Feed.Path = "data/price.json"
	}
	if c.Feed.Timeout <= 0 {
		c.Feed.Timeout = 5 * time.Minute
	}
	if c.Rates.Base == "" {
		c.Rates.Base = "RUB"
	}
	if c.Rates.Timeout <= 0 {
		c.Rates.Timeout = 10 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/priceweb.db"
	}
	if c.Sync.RetentionDays <= 0 {
		c.Sync.RetentionDays = 15
	}
	if c.Sync.SharpThreshold <= 0 {
		c.Sync.SharpThreshold = 30
	}
	if c.Sync.NewSampleSize <= 0 {
		c.Sync.NewSampleSize = 10
	}
	if c.Sync.ProgressEvery <= 0 {
		c.Sync.ProgressEvery = 1000
	}
	if c.Sync.MissingMinMisses <= 0 {
		c.Sync.MissingMinMisses = 1
	}
	if c.Sync.LeaseTTL <= 0 {
		c.Sync.LeaseTTL = 30 * time.Minute
	}
	if c.Notify.ListLimit <= 0 {
		c.Notify.ListLimit = 30
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required (or PRICE_JSON_URL)"))
	}
	if c.Sync.SharpThreshold < 0 {
		errs = append(errs, errors.New("sync.sharp_threshold must be positive"))
	}
	switch strings.ToUpper(c.Store.Synchronous) {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, fmt.Errorf("store.synchronous %q: want OFF, NORMAL, FULL or EXTRA", c.Store.Synchronous))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, errors.New("notify: telegram_token and telegram_chat_id must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pricesync: invalid config: %w", err)
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pricesync: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides config values from environment variables. getenv is
// usually os.Getenv.
//
//	PRICE_JSON_URL           feed.url
//	PRICE_JSON_PATH          feed.path
//	PRICE_DB_PATH            store.path
//	SNAPSHOT_RETENTION_DAYS  sync.retention_days
//	TG_BOT_TOKEN             notify.telegram_token
//	TG_CHAT_ID               notify.telegram_chat_id
//	TG_SILENT                notify.silent ("1" or "true")
//	RELOAD_TOKEN             server.token
//	PORT                     server.addr (":" + PORT)
//	LOG_LEVEL                log.level
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Feed.URL, "PRICE_JSON_URL")
	set(&c.Feed.Path, "PRICE_JSON_PATH")
	set(&c.Store.Path, "PRICE_DB_PATH")
	set(&c.Notify.TelegramToken, "TG_BOT_TOKEN")
	set(&c.Notify.TelegramChatID, "TG_CHAT_ID")
	set(&c.Server.Token, "RELOAD_TOKEN")
	set(&c.Log.Level, "LOG_LEVEL")

	if v := strings.TrimSpace(getenv("SNAPSHOT_RETENTION_DAYS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("pricesync: SNAPSHOT_RETENTION_DAYS=%q: want a positive integer", v)
		}
		c.Sync.RetentionDays = n
	}
	if v := strings.TrimSpace(getenv("TG_SILENT")); v != "" {
		c.Notify.Silent = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("pricesync: PORT=%q: want a number", v)
		}
		c.Server.Addr = ":" + v
	}
	return nil
}
