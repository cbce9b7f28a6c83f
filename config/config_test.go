package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	// Isolated viper instance without user/project config files
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if cfg.Database.Path != "tempo.db" {
		t.Errorf("expected default database path 'tempo.db', got %q", cfg.Database.Path)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	if cfg.Cron.TickerIntervalSeconds != 1 {
		t.Errorf("expected default tick interval 1, got %d", cfg.Cron.TickerIntervalSeconds)
	}
	if cfg.Cron.DefaultTimeoutSeconds != 300 {
		t.Errorf("expected default timeout 300, got %d", cfg.Cron.DefaultTimeoutSeconds)
	}
	if cfg.Cron.HistoryLimit != 20 {
		t.Errorf("expected default history limit 20, got %d", cfg.Cron.HistoryLimit)
	}
	if cfg.Cron.OneShotPolicy != OneShotPolicyDisable {
		t.Errorf("expected default one-shot policy %q, got %q", OneShotPolicyDisable, cfg.Cron.OneShotPolicy)
	}
	if cfg.Cron.GraceMultiplier != 2 {
		t.Errorf("expected default grace multiplier 2, got %d", cfg.Cron.GraceMultiplier)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tempo.toml")
	content := `
[database]
path = "/tmp/custom.db"

[server]
port = 9090

[cron]
ticker_interval_seconds = 5
one_shot_policy = "remove"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/custom.db" {
		t.Errorf("expected database path '/tmp/custom.db', got %q", cfg.Database.Path)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Cron.TickerIntervalSeconds != 5 {
		t.Errorf("expected tick interval 5, got %d", cfg.Cron.TickerIntervalSeconds)
	}
	if cfg.Cron.OneShotPolicy != OneShotPolicyRemove {
		t.Errorf("expected one-shot policy 'remove', got %q", cfg.Cron.OneShotPolicy)
	}

	// Unspecified keys keep their defaults
	if cfg.Cron.HistoryLimit != 20 {
		t.Errorf("expected default history limit 20, got %d", cfg.Cron.HistoryLimit)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
