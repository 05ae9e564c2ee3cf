package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engram/logger"
	"github.com/teranos/engram/memory"
)

var (
	memoryUser string
	memoryKind string
)

// MemoryCmd groups direct database operations on stored memories.
var MemoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and add memories",
	Long:  `Work with the memory store directly, without the daemon.`,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add CONTENT",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryAdd,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics for a user",
	RunE:  runMemoryStats,
}

func init() {
	MemoryCmd.PersistentFlags().StringVarP(&memoryUser, "user", "u", "", "User the memory belongs to")

	memoryAddCmd.Flags().StringVarP(&memoryKind, "kind", "k", string(memory.KindEpisodic),
		"Memory kind: episodic, semantic, or procedural")

	MemoryCmd.AddCommand(memoryAddCmd)
	MemoryCmd.AddCommand(memoryStatsCmd)
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	if memoryUser == "" {
		pterm.Error.Println("--user is required")
		return fmt.Errorf("user required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database, logger.Logger)
	m := &memory.Memory{
		UserID:  memoryUser,
		Content: args[0],
		Kind:    memory.Kind(memoryKind),
	}
	if err := store.Add(m); err != nil {
		pterm.Error.Printf("Failed to store memory: %v\n", err)
		return err
	}

	pterm.Success.Printf("Stored %s memory %s for %s\n", m.Kind, m.ID, m.UserID)
	return nil
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	if memoryUser == "" {
		pterm.Error.Println("--user is required")
		return fmt.Errorf("user required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database, logger.Logger)
	stats, err := store.Stats(memoryUser)
	if err != nil {
		pterm.Error.Printf("Failed to compute stats: %v\n", err)
		return err
	}

	data := pterm.TableData{
		{"User", stats.UserID},
		{"Total memories", strconv.Itoa(stats.TotalMemories)},
		{"Consolidated", strconv.Itoa(stats.Consolidated)},
		{"Pending", strconv.Itoa(stats.Unconsolidated)},
		{"Consolidation ratio", fmt.Sprintf("%.2f", stats.ConsolidationRatio)},
		{"Content bytes", strconv.FormatInt(stats.TotalContentBytes, 10)},
		{"Summaries", strconv.Itoa(stats.SummaryCount)},
	}
	for _, kind := range []memory.Kind{memory.KindEpisodic, memory.KindSemantic, memory.KindProcedural} {
		if n, ok := stats.ByKind[kind]; ok {
			data = append(data, []string{"  " + string(kind), strconv.Itoa(n)})
		}
	}
	if stats.OldestPending != nil {
		data = append(data, []string{"Oldest pending", stats.OldestPending.Local().Format(time.RFC1123)})
	}

	pterm.DefaultTable.WithData(data).Render()
	return nil
}
