package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/engram/cmd/engram/commands"
	"github.com/teranos/engram/logger"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Engram - memory store with scheduled consolidation",
	Long: `Engram - memory store with scheduled consolidation.

Engram keeps user memories in SQLite and periodically folds clusters of
related memories into summaries. A cron-driven scheduler guards the
host with load admission, runs one consolidation at a time, and retries
failures with exponential backoff.

Available commands:
  serve    - Run the engram daemon (scheduler + HTTP API)
  trigger  - Run one consolidation pass right now
  status   - Show scheduler status from a running daemon
  memory   - Seed and inspect the memory store
  version  - Show version information

Examples:
  engram serve                                  # Start the daemon
  engram trigger --user alice                   # Consolidate alice now
  engram status                                 # Query the daemon
  engram memory add --user alice "Met the design team about onboarding"
  engram memory stats --user alice`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.engram/config.toml)")
	rootCmd.PersistentFlags().String("db", "", "Path to the SQLite database (overrides config)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.MemoryCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
