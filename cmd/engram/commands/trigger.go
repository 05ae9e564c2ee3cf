package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engram/consolidate"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/logger"
	"github.com/teranos/engram/memory"
)

var triggerUser string

// TriggerCmd runs one consolidation pass immediately, without the daemon.
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a consolidation pass now",
	Long: `Run one consolidation pass for a user and print the summaries it produced.

This opens the database directly and runs in-process; the daemon does
not need to be running. Admission control and single-flight semantics
still apply.`,
	RunE: runTrigger,
}

func init() {
	TriggerCmd.Flags().StringVarP(&triggerUser, "user", "u", "", "User to consolidate (defaults to configured default user)")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	user := triggerUser
	if user == "" {
		user = cfg.Consolidation.DefaultUser
	}
	if user == "" {
		pterm.Error.Println("No user given and no default user configured; pass --user")
		return fmt.Errorf("user required")
	}

	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database, logger.Logger)
	engine := consolidate.NewConsolidator(store, nil, logger.Logger)

	sched, err := scheduler.New(engine, schedulerOverrides(cfg.Consolidation), nil, logger.Logger)
	if err != nil {
		return err
	}

	pterm.Info.Printf("Consolidating memories for %s\n", user)

	results, err := sched.TriggerNow(cmd.Context(), user)
	if err != nil {
		pterm.Error.Printf("Consolidation failed: %v\n", err)
		return err
	}

	if len(results) == 0 {
		pterm.Info.Println("Nothing to consolidate")
		return nil
	}

	pterm.Success.Printf("Consolidated %d cluster(s)\n", len(results))
	renderResults(results)
	return nil
}

func renderResults(results []consolidate.Result) {
	data := pterm.TableData{{"Summary", "Memories", "Content"}}
	for _, r := range results {
		data = append(data, []string{
			r.SummaryID,
			strconv.Itoa(len(r.ConsolidatedIDs)),
			truncate(r.SummaryContent, 60),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
