package pricesync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	if cfg.Store.Path != "data/priceweb.db" || cfg.Feed.Path != "data/price.json" {
		t.Errorf("paths = %q, %q", cfg.Store.Path, cfg.Feed.Path)
	}
	if cfg.Sync.RetentionDays != 15 || cfg.Sync.SharpThreshold != 30 || cfg.Notify.ListLimit != 30 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Server.Addr != ":8000" || cfg.Rates.Base != "RUB" {
		t.Errorf("server = %+v, rates = %+v", cfg.Server, cfg.Rates)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	// WHAT: The legacy environment variables override file values.
	env := map[string]string{
		"PRICE_JSON_URL":          "https://feed.example/price.json",
		"PRICE_DB_PATH":           "/var/lib/price.db",
		"SNAPSHOT_RETENTION_DAYS": "30",
		"TG_BOT_TOKEN":            "123:abc",
		"TG_CHAT_ID":              "-100",
		"TG_SILENT":               "true",
		"RELOAD_TOKEN":            "s3cret",
		"PORT":                    "9090",
	}
	cfg := &Config{Store: StoreConfig{Path: "from-file.db"}}
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Feed.URL != env["PRICE_JSON_URL"] || cfg.Store.Path != "/var/lib/price.db" {
		t.Errorf("feed/store = %+v / %+v", cfg.Feed, cfg.Store)
	}
	if cfg.Sync.RetentionDays != 30 || !cfg.Notify.Silent || cfg.Notify.TelegramChatID != "-100" {
		t.Errorf("sync/notify = %+v / %+v", cfg.Sync, cfg.Notify)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.Token != "s3cret" {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestConfig_ApplyEnvRejectsGarbage(t *testing.T) {
	for key, val := range map[string]string{"SNAPSHOT_RETENTION_DAYS": "-1", "PORT": "http"} {
		cfg := &Config{}
		err := cfg.ApplyEnv(func(k string) string {
			if k == key {
				return val
			}
			return ""
		})
		if err == nil {
			t.Errorf("%s=%s accepted", key, val)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "feed.url") {
		t.Fatalf("err = %v, want feed.url required", err)
	}

	cfg.Feed.URL = "http://x"
	cfg.Notify.TelegramToken = "t"
	if err := cfg.Validate(); err == nil {
		t.Error("token without chat id accepted")
	}
	cfg.Notify.TelegramChatID = "1"
	cfg.Store.Synchronous = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("bad synchronous mode accepted")
	}
	cfg.Store.Synchronous = "full"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricesync.yaml")
	doc := `
feed:
  url: https://feed.example/price.json
  timeout: 2m
sync:
  retention_days: 7
  interval: 1h
archive:
  driver: fs
  dir: /srv/archive
log:
  level: debug
  file: /var/log/pricesync.log
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Feed.Timeout != 2*time.Minute || cfg.Sync.Interval != time.Hour || cfg.Sync.RetentionDays != 7 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Archive.Driver != "fs" || cfg.Archive.Dir != "/srv/archive" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/var/log/pricesync.log" {
		t.Errorf("log = %+v", cfg.Log)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
