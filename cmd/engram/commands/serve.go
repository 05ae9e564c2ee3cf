package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/engram/config"
	"github.com/teranos/engram/consolidate"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/errors"
	"github.com/teranos/engram/logger"
	"github.com/teranos/engram/memory"
	"github.com/teranos/engram/server"
)

// ServeCmd runs the engram daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engram daemon (scheduler + HTTP API)",
	Long: `Run the engram daemon in foreground mode.

The daemon will:
- Open and migrate the memory database
- Arm the consolidation scheduler on its cron expression
- Serve the HTTP API and the WebSocket progress stream
- Watch the config file and apply consolidation changes live
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	// Daemon mode defaults to Info verbosity so lifecycle logs show.
	// Flags win over the config file; the file decides only what the
	// flags left alone.
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = logger.VerbosityInfo
	}
	level := logger.VerbosityToLevel(verbosity)
	if cfg.Log.Level != "" && !cmd.Flags().Changed("verbose") {
		parsed, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return errors.Wrapf(err, "invalid log.level %q", cfg.Log.Level)
		}
		level = parsed
	}
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if cfg.Log.JSON && !cmd.Flags().Changed("json-logs") {
		jsonLogs = true
	}
	if err := logger.InitializeWithLevel(jsonLogs, level); err != nil {
		return errors.Wrap(err, "failed to reinitialize logger")
	}

	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database, logger.Logger)
	engine := consolidate.NewConsolidator(store, nil, logger.Logger)

	sched, err := scheduler.New(engine, schedulerOverrides(cfg.Consolidation),
		scheduler.NewSystemLoadSampler(), logger.Logger)
	if err != nil {
		return errors.Wrap(err, "invalid consolidation configuration")
	}
	sched.Start()

	srv := server.New(cfg, sched, store, logger.Logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	watcher := startConfigWatcher(sched)
	if watcher != nil {
		defer watcher.Stop()
	}

	printServeBanner(cfg, sched)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		// The listener died before any signal; shut the scheduler down
		// and report.
		sched.Stop()
		return err
	case sig := <-sigChan:
		pterm.Println()
		pterm.Info.Printf("Received %s, shutting down\n", sig)
	}

	// Stop the scheduler first so no new jobs start, then drain HTTP,
	// then let the deferred close take the store down.
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown did not finish cleanly", "error", err)
	}

	pterm.Success.Println("engram stopped")
	return nil
}

// startConfigWatcher arms the fsnotify watcher that applies
// consolidation-section changes to the running scheduler. Returns nil
// when the config file cannot be watched; the daemon runs fine without
// live reload.
func startConfigWatcher(sched *scheduler.Scheduler) *config.ConfigWatcher {
	path := config.UserConfigPath()
	if path == "" {
		return nil
	}

	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable, live reload disabled",
			"path", path,
			"error", err)
		return nil
	}

	watcher.OnReload(func(fresh *config.Config) error {
		if err := sched.UpdateConfig(schedulerOverrides(fresh.Consolidation)); err != nil {
			logger.Warnw("Reloaded config rejected, keeping previous values", "error", err)
			return err
		}
		logger.Infow("Consolidation config reloaded from file",
			"cron", fresh.Consolidation.CronExpression,
			"enabled", fresh.Consolidation.Enabled)
		return nil
	})

	config.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

func printServeBanner(cfg *config.Config, sched *scheduler.Scheduler) {
	sc := sched.Config()

	pterm.Success.Println("engram daemon started")
	pterm.Printf("  API:        http://%s\n", cfg.GetServerAddr())
	pterm.Printf("  Database:   %s\n", cfg.GetDatabasePath())
	pterm.Printf("  Schedule:   %s (enabled: %t)\n", sc.CronExpression, sc.Enabled)
	pterm.Printf("  Admission:  load ceiling %.2f\n", sc.MaxSystemLoad)
	pterm.Printf("  Retries:    %d from %v\n", sc.MaxRetryAttempts, sc.BaseRetryDelay)
	pterm.Printf("  Batch:      %d memories per run\n", sc.BatchSize)
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}
