package config

import "time"

// Config represents the engram service configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the engram HTTP server
type ServerConfig struct {
	Host                 string   `mapstructure:"host"`
	Port                 *int     `mapstructure:"port"` // nil = default 8787, 0 is invalid (omit for default)
	AllowedOrigins       []string `mapstructure:"allowed_origins"`
	TriggerRatePerMinute int      `mapstructure:"trigger_rate_per_minute"` // manual trigger rate limit (0 = unlimited)
}

// LogConfig configures log output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`  // structured JSON output (serve mode default)
	Level string `mapstructure:"level"` // debug|info|warn|error; empty derives from -v flags
}

// ConsolidationConfig configures the consolidation scheduler
type ConsolidationConfig struct {
	CronExpression   string        `mapstructure:"cron_expression"`    // 5-field cron, e.g. "0 3 * * *"
	Enabled          bool          `mapstructure:"enabled"`            // arm the timer on start
	MaxSystemLoad    float64       `mapstructure:"max_system_load"`    // admission ceiling in [0,1]
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"` // retries after the first attempt
	BaseRetryDelay   time.Duration `mapstructure:"base_retry_delay"`   // backoff base, doubles per retry
	DefaultUser      string        `mapstructure:"default_user"`       // user consolidated on scheduled fires
	Batch            BatchConfig   `mapstructure:"batch"`
}

// BatchConfig configures how much work a single consolidation run takes on
type BatchConfig struct {
	Size            int           `mapstructure:"size"`              // memories fetched per run
	ClusterWindow   time.Duration `mapstructure:"cluster_window"`    // max gap between memories in one cluster
	MinClusterSize  int           `mapstructure:"min_cluster_size"`  // clusters below this are skipped
	MaxSummaryBytes int           `mapstructure:"max_summary_bytes"` // summary truncation limit
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
