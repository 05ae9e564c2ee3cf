package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/engram/config"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/db"
	"github.com/teranos/engram/errors"
	"github.com/teranos/engram/internal/util"
	"github.com/teranos/engram/logger"
)

// loadConfig reads configuration, honoring the global --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load config from %s", path)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// openDatabase opens and migrates the database, honoring the global
// --db flag over the configured path.
func openDatabase(cmd *cobra.Command, cfg *config.Config) (*sql.DB, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// schedulerOverrides converts the config file's consolidation section
// into the scheduler's partial-update form.
func schedulerOverrides(c config.ConsolidationConfig) scheduler.ConfigUpdate {
	return scheduler.ConfigUpdate{
		CronExpression:   util.Ptr(c.CronExpression),
		Enabled:          util.Ptr(c.Enabled),
		MaxSystemLoad:    util.Ptr(c.MaxSystemLoad),
		MaxRetryAttempts: util.Ptr(c.MaxRetryAttempts),
		BaseRetryDelay:   util.Ptr(c.BaseRetryDelay),
		DefaultUser:      util.Ptr(c.DefaultUser),
		BatchSize:        util.Ptr(c.Batch.Size),
		ClusterWindow:    util.Ptr(c.Batch.ClusterWindow),
		MinClusterSize:   util.Ptr(c.Batch.MinClusterSize),
		MaxSummaryBytes:  util.Ptr(c.Batch.MaxSummaryBytes),
	}
}
