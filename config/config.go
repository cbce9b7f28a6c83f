package config

import (
	"github.com/spf13/viper"
)

// Config represents the core tempo configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Cron     CronConfig     `mapstructure:"cron"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the tempo web server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JSONLogs       bool     `mapstructure:"json_logs"`
}

// CronConfig configures the scheduling engine
type CronConfig struct {
	// Ticker configuration for scheduled job execution
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // How often to check for due jobs (default: 1)

	// Per-run timeout applied when the payload does not carry its own
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"` // default: 300

	// Run ledger retention per job
	HistoryLimit int `mapstructure:"history_limit"` // default: 20

	// What happens to a one-shot job after it fires: "disable" or "remove"
	OneShotPolicy string `mapstructure:"one_shot_policy"` // default: disable

	// Startup reconciliation treats a running marker older than
	// grace_multiplier * default timeout as a crashed run
	GraceMultiplier int `mapstructure:"grace_multiplier"` // default: 2
}

const (
	DefaultServerPort = 8787

	OneShotPolicyDisable = "disable"
	OneShotPolicyRemove  = "remove"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "tempo.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.json_logs", false)

	v.SetDefault("cron.ticker_interval_seconds", 1)
	v.SetDefault("cron.default_timeout_seconds", 300)
	v.SetDefault("cron.history_limit", 20)
	v.SetDefault("cron.one_shot_policy", OneShotPolicyDisable)
	v.SetDefault("cron.grace_multiplier", 2)
}
