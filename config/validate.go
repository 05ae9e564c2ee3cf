package config

import (
	"strings"

	"github.com/teranos/engram/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "engram.db" per defaults.go
	// No validation needed here

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Trigger rate: 0 = unlimited, negative = invalid
	if c.Server.TriggerRatePerMinute < 0 {
		return errors.Newf("server.trigger_rate_per_minute must be >= 0, got %d", c.Server.TriggerRatePerMinute)
	}

	// Log level: empty means derived from verbosity flags
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	// Consolidation section. The scheduler re-validates its own knobs with
	// the cron parser; these checks keep a bad file from booting at all.
	if strings.TrimSpace(c.Consolidation.CronExpression) == "" {
		return errors.New("consolidation.cron_expression cannot be empty")
	}
	if c.Consolidation.MaxSystemLoad < 0 || c.Consolidation.MaxSystemLoad > 1 {
		return errors.Newf("consolidation.max_system_load must be in [0, 1], got %g", c.Consolidation.MaxSystemLoad)
	}
	if c.Consolidation.MaxRetryAttempts < 0 {
		return errors.Newf("consolidation.max_retry_attempts must be >= 0, got %d", c.Consolidation.MaxRetryAttempts)
	}
	if c.Consolidation.BaseRetryDelay < 0 {
		return errors.Newf("consolidation.base_retry_delay must be >= 0, got %s", c.Consolidation.BaseRetryDelay)
	}
	if c.Consolidation.DefaultUser == "" {
		return errors.New("consolidation.default_user cannot be empty")
	}

	// Batch knobs
	if c.Consolidation.Batch.Size <= 0 {
		return errors.Newf("consolidation.batch.size must be > 0, got %d", c.Consolidation.Batch.Size)
	}
	if c.Consolidation.Batch.ClusterWindow <= 0 {
		return errors.Newf("consolidation.batch.cluster_window must be > 0, got %s", c.Consolidation.Batch.ClusterWindow)
	}
	if c.Consolidation.Batch.MinClusterSize < 1 {
		return errors.Newf("consolidation.batch.min_cluster_size must be >= 1, got %d", c.Consolidation.Batch.MinClusterSize)
	}
	if c.Consolidation.Batch.MaxSummaryBytes <= 0 {
		return errors.Newf("consolidation.batch.max_summary_bytes must be > 0, got %d", c.Consolidation.Batch.MaxSummaryBytes)
	}

	return nil
}
