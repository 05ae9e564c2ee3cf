package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "engram.db")

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.trigger_rate_per_minute", 6)

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "")

	// Consolidation scheduler defaults
	v.SetDefault("consolidation.cron_expression", "0 3 * * *") // daily at 03:00
	v.SetDefault("consolidation.enabled", true)
	v.SetDefault("consolidation.max_system_load", 0.75)
	v.SetDefault("consolidation.max_retry_attempts", 3)
	v.SetDefault("consolidation.base_retry_delay", "30s")
	v.SetDefault("consolidation.default_user", "local")
	v.SetDefault("consolidation.batch.size", 100)
	v.SetDefault("consolidation.batch.cluster_window", "30m")
	v.SetDefault("consolidation.batch.min_cluster_size", 2)
	v.SetDefault("consolidation.batch.max_summary_bytes", 1024)
}

// BindSensitiveEnvVars explicitly binds deployment-specific configuration
// to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "ENGRAM_DATABASE_PATH")
	v.BindEnv("server.port", "ENGRAM_SERVER_PORT")
	v.BindEnv("consolidation.default_user", "ENGRAM_CONSOLIDATION_DEFAULT_USER")
}

// GetServerPort returns the configured server port, or the default when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil || *c.Server.Port == 0 {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetServerAddr returns the host:port the server should bind
func (c *Config) GetServerAddr() string {
	host := c.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.GetServerPort())
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "engram.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: %s, Consolidation: {Cron: %q, Enabled: %t, BatchSize: %d}}",
		c.Database.Path, c.GetServerAddr(), c.Consolidation.CronExpression, c.Consolidation.Enabled, c.Consolidation.Batch.Size)
}
