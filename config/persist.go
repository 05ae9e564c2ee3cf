package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/engram/errors"
	"github.com/teranos/engram/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Delete oldest backup if exists
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// loadOrInitializeUserConfig loads the user config file, or starts an empty
// document if it doesn't exist. Unknown sections are preserved on save.
func loadOrInitializeUserConfig() (map[string]interface{}, string, error) {
	configPath := UserConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .engram directory")
	}

	var doc map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse user config")
		}
	} else {
		doc = make(map[string]interface{})
	}

	return doc, configPath, nil
}

// saveUserConfig writes the document to the user config file with backup
func saveUserConfig(doc map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write user config")
	}

	return nil
}

// SaveConsolidation persists the consolidation section to the user config
// file so scheduler settings survive restarts. Durations are written as
// strings ("30s") so the file stays hand-editable.
func SaveConsolidation(cfg ConsolidationConfig) error {
	doc, configPath, err := loadOrInitializeUserConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load user config")
	}

	doc["consolidation"] = map[string]interface{}{
		"cron_expression":    cfg.CronExpression,
		"enabled":            cfg.Enabled,
		"max_system_load":    cfg.MaxSystemLoad,
		"max_retry_attempts": cfg.MaxRetryAttempts,
		"base_retry_delay":   cfg.BaseRetryDelay.String(),
		"default_user":       cfg.DefaultUser,
		"batch": map[string]interface{}{
			"size":              cfg.Batch.Size,
			"cluster_window":    cfg.Batch.ClusterWindow.String(),
			"min_cluster_size":  cfg.Batch.MinClusterSize,
			"max_summary_bytes": cfg.Batch.MaxSummaryBytes,
		},
	}

	return saveUserConfig(doc, configPath)
}
