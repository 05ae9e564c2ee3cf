package scheduler

import (
	"strings"
	"time"
)

// Config is the scheduler's full configuration. Updates replace it
// wholesale; a snapshot that fails validation never becomes live.
type Config struct {
	// CronExpression is a 5-field schedule (minute hour dom month dow).
	// It must be non-blank; an expression that fails to parse suspends
	// scheduled fires instead of failing Start.
	CronExpression string `json:"cron_expression"`
	// Enabled gates Start. When false, Start is a no-op.
	Enabled bool `json:"enabled"`
	// MaxSystemLoad is the admission ceiling in [0,1]. Jobs start only
	// while sampled load stays at or below it.
	MaxSystemLoad float64 `json:"max_system_load"`
	// MaxRetryAttempts is how many retries follow a failed first attempt.
	MaxRetryAttempts int `json:"max_retry_attempts"`
	// BaseRetryDelay seeds the exponential backoff between attempts.
	BaseRetryDelay time.Duration `json:"base_retry_delay"`
	// DefaultUser is whose memories scheduled fires consolidate.
	DefaultUser string `json:"default_user"`
	// BatchSize caps memories per consolidation run.
	BatchSize int `json:"batch_size"`
	// ClusterWindow, MinClusterSize, and MaxSummaryBytes are forwarded
	// to the engine on every run.
	ClusterWindow   time.Duration `json:"cluster_window"`
	MinClusterSize  int           `json:"min_cluster_size"`
	MaxSummaryBytes int           `json:"max_summary_bytes"`
}

// DefaultConfig is the stock nightly setup: 03:00 daily, stand down
// above 75% load, three retries from 30s.
func DefaultConfig() Config {
	return Config{
		CronExpression:   "0 3 * * *",
		Enabled:          true,
		MaxSystemLoad:    0.75,
		MaxRetryAttempts: 3,
		BaseRetryDelay:   30 * time.Second,
		DefaultUser:      "local",
		BatchSize:        100,
		ClusterWindow:    30 * time.Minute,
		MinClusterSize:   2,
		MaxSummaryBytes:  1024,
	}
}

// ConfigUpdate is a partial configuration. Nil fields keep their
// current value.
type ConfigUpdate struct {
	CronExpression   *string        `json:"cron_expression,omitempty"`
	Enabled          *bool          `json:"enabled,omitempty"`
	MaxSystemLoad    *float64       `json:"max_system_load,omitempty"`
	MaxRetryAttempts *int           `json:"max_retry_attempts,omitempty"`
	BaseRetryDelay   *time.Duration `json:"base_retry_delay,omitempty"`
	DefaultUser      *string        `json:"default_user,omitempty"`
	BatchSize        *int           `json:"batch_size,omitempty"`
	ClusterWindow    *time.Duration `json:"cluster_window,omitempty"`
	MinClusterSize   *int           `json:"min_cluster_size,omitempty"`
	MaxSummaryBytes  *int           `json:"max_summary_bytes,omitempty"`
}

func (c Config) merge(u ConfigUpdate) Config {
	if u.CronExpression != nil {
		c.CronExpression = *u.CronExpression
	}
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.MaxSystemLoad != nil {
		c.MaxSystemLoad = *u.MaxSystemLoad
	}
	if u.MaxRetryAttempts != nil {
		c.MaxRetryAttempts = *u.MaxRetryAttempts
	}
	if u.BaseRetryDelay != nil {
		c.BaseRetryDelay = *u.BaseRetryDelay
	}
	if u.DefaultUser != nil {
		c.DefaultUser = *u.DefaultUser
	}
	if u.BatchSize != nil {
		c.BatchSize = *u.BatchSize
	}
	if u.ClusterWindow != nil {
		c.ClusterWindow = *u.ClusterWindow
	}
	if u.MinClusterSize != nil {
		c.MinClusterSize = *u.MinClusterSize
	}
	if u.MaxSummaryBytes != nil {
		c.MaxSummaryBytes = *u.MaxSummaryBytes
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.CronExpression) == "" {
		return newError(CodeConfiguration, "cron expression cannot be empty")
	}
	if c.MaxSystemLoad < 0 || c.MaxSystemLoad > 1 {
		return newError(CodeConfiguration, "max system load must be within [0,1], got %v", c.MaxSystemLoad)
	}
	if c.MaxRetryAttempts < 0 {
		return newError(CodeConfiguration, "max retry attempts cannot be negative, got %d", c.MaxRetryAttempts)
	}
	if c.BaseRetryDelay < 0 {
		return newError(CodeConfiguration, "base retry delay cannot be negative, got %v", c.BaseRetryDelay)
	}
	if c.BatchSize <= 0 {
		return newError(CodeConfiguration, "batch size must be positive, got %d", c.BatchSize)
	}
	if c.ClusterWindow <= 0 {
		return newError(CodeConfiguration, "cluster window must be positive, got %v", c.ClusterWindow)
	}
	if c.MinClusterSize < 1 {
		return newError(CodeConfiguration, "min cluster size must be at least 1, got %d", c.MinClusterSize)
	}
	if c.MaxSummaryBytes <= 0 {
		return newError(CodeConfiguration, "max summary bytes must be positive, got %d", c.MaxSummaryBytes)
	}
	return nil
}
