package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engram/config"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/errors"
)

// StatusCmd shows the scheduler state of a running daemon.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show consolidation scheduler status",
	Long: `Show the consolidation scheduler's live status from a running daemon.

Falls back to printing the configured schedule when no daemon is
reachable on the configured address.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	status, err := fetchStatus(cfg)
	if err != nil {
		pterm.Warning.Printf("Daemon not reachable at %s; showing configured values\n", cfg.GetServerAddr())
		renderConfiguredStatus(cfg)
		return nil
	}

	renderLiveStatus(status)
	return nil
}

func fetchStatus(cfg *config.Config) (*scheduler.Status, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://%s/api/consolidation/status", cfg.GetServerAddr())

	resp, err := client.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "daemon unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("daemon returned %d", resp.StatusCode)
	}

	var status scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.Wrap(err, "failed to decode status response")
	}
	return &status, nil
}

func renderLiveStatus(status *scheduler.Status) {
	running := "stopped"
	if status.IsRunning {
		running = "running"
	}

	data := pterm.TableData{
		{"Scheduler", running},
		{"Batch size", strconv.Itoa(status.BatchSize)},
		{"Retry attempts", strconv.Itoa(status.RetryAttempts)},
	}
	if status.NextRunAt != nil {
		data = append(data, []string{"Next run", status.NextRunAt.Local().Format(time.RFC1123)})
	}
	if status.LastRunAt != nil {
		data = append(data, []string{"Last run", status.LastRunAt.Local().Format(time.RFC1123)})
	}
	if status.LastError != "" {
		data = append(data, []string{"Last error", status.LastError})
	}
	if status.CurrentProgress != nil {
		data = append(data, []string{"In flight",
			fmt.Sprintf("%.1f%% (%d/%d)",
				status.CurrentProgress.PercentComplete,
				status.CurrentProgress.Processed,
				status.CurrentProgress.Total)})
	}
	if status.DetailedProgress != nil {
		data = append(data, []string{"Phase", status.DetailedProgress.Phase})
		data = append(data, []string{"Started", status.DetailedProgress.StartedAt.Local().Format(time.RFC1123)})
	}

	pterm.DefaultTable.WithData(data).Render()
}

func renderConfiguredStatus(cfg *config.Config) {
	c := cfg.Consolidation
	data := pterm.TableData{
		{"Enabled", strconv.FormatBool(c.Enabled)},
		{"Schedule", c.CronExpression},
		{"Default user", c.DefaultUser},
		{"Load ceiling", fmt.Sprintf("%.2f", c.MaxSystemLoad)},
		{"Retries", strconv.Itoa(c.MaxRetryAttempts)},
		{"Base delay", c.BaseRetryDelay.String()},
		{"Batch size", strconv.Itoa(c.Batch.Size)},
	}
	pterm.DefaultTable.WithData(data).Render()
}
