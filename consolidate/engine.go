// Package consolidate groups a user's unconsolidated memories into
// time-window clusters and condenses each cluster into a stored summary.
package consolidate

import (
	"context"
	"time"
)

// Progress phases reported while a consolidation run executes.
const (
	PhaseIdentifyingClusters = "identifying_clusters"
	PhaseGeneratingSummaries = "generating_summaries"
	PhaseStoringResults      = "storing_results"
)

// Engine runs one consolidation pass for a user. The scheduler treats
// implementations as opaque and single-flights around them.
type Engine interface {
	RunConsolidation(ctx context.Context, userID string, cfg Config) ([]Result, error)
}

// Config carries the per-run knobs an engine needs.
type Config struct {
	// BatchSize caps how many unconsolidated memories one run considers.
	BatchSize int
	// ClusterWindow is the maximum spread between a cluster's seed
	// memory and its last member.
	ClusterWindow time.Duration
	// MinClusterSize is the smallest group worth summarizing. Smaller
	// groups stay pending for a later run.
	MinClusterSize int
	// MaxSummaryBytes caps generated summary content.
	MaxSummaryBytes int
	// Progress receives phase and count updates during the run. Nil is
	// fine; updates are then discarded.
	Progress ProgressSink
}

// Default engine knobs, used when a Config field is zero.
const (
	DefaultClusterWindow   = 30 * time.Minute
	DefaultMinClusterSize  = 2
	DefaultMaxSummaryBytes = 1024
)

func (c Config) withDefaults() Config {
	if c.ClusterWindow <= 0 {
		c.ClusterWindow = DefaultClusterWindow
	}
	if c.MinClusterSize < 1 {
		c.MinClusterSize = DefaultMinClusterSize
	}
	if c.MaxSummaryBytes <= 0 {
		c.MaxSummaryBytes = DefaultMaxSummaryBytes
	}
	if c.Progress == nil {
		c.Progress = nopSink{}
	}
	return c
}

// Result describes one cluster the run consolidated.
type Result struct {
	SummaryID       string    `json:"summary_id"`
	ConsolidatedIDs []string  `json:"consolidated_ids"`
	SummaryContent  string    `json:"summary_content"`
	ConsolidatedAt  time.Time `json:"consolidated_at"`
}

// ProgressSink receives progress updates from a running engine.
type ProgressSink interface {
	// SetPhase records which stage of the run is executing.
	SetPhase(phase string)
	// SetCounts records clusters completed out of clusters found.
	SetCounts(processed, total int)
}

type nopSink struct{}

func (nopSink) SetPhase(string)    {}
func (nopSink) SetCounts(int, int) {}
