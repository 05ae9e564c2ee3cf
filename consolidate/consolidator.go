package consolidate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engram/errors"
	"github.com/teranos/engram/memory"
)

// Consolidator is the store-backed Engine implementation.
type Consolidator struct {
	store      *memory.Store
	summarizer Summarizer
	logger     *zap.SugaredLogger

	timeNow func() time.Time // injectable for tests
}

// NewConsolidator creates an engine over store. A nil summarizer gets
// the extractive default.
func NewConsolidator(store *memory.Store, summarizer Summarizer, logger *zap.SugaredLogger) *Consolidator {
	if summarizer == nil {
		summarizer = NewExtractiveSummarizer()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Consolidator{
		store:      store,
		summarizer: summarizer,
		logger:     logger.Named("consolidate"),
		timeNow:    time.Now,
	}
}

// RunConsolidation consolidates one batch of the user's pending
// memories. Clusters that completed before an error are still reported
// in the returned slice.
func (c *Consolidator) RunConsolidation(ctx context.Context, userID string, cfg Config) ([]Result, error) {
	if userID == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "user ID cannot be empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "batch size must be positive, got %d", cfg.BatchSize)
	}
	cfg = cfg.withDefaults()

	cfg.Progress.SetPhase(PhaseIdentifyingClusters)

	memories, err := c.store.ListUnconsolidated(userID, cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pending memories")
	}
	if len(memories) == 0 {
		c.logger.Debugw("Nothing to consolidate", "user_id", userID)
		cfg.Progress.SetCounts(0, 0)
		return []Result{}, nil
	}

	clusters := clusterByWindow(memories, cfg.ClusterWindow)
	eligible := clusters[:0]
	for _, cluster := range clusters {
		if len(cluster) >= cfg.MinClusterSize {
			eligible = append(eligible, cluster)
		}
	}
	cfg.Progress.SetCounts(0, len(eligible))

	if len(eligible) == 0 {
		c.logger.Debugw("No clusters large enough this round",
			"user_id", userID,
			"pending", len(memories),
			"min_cluster_size", cfg.MinClusterSize)
		return []Result{}, nil
	}

	cfg.Progress.SetPhase(PhaseGeneratingSummaries)
	contents := make([]string, len(eligible))
	for i, cluster := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "consolidation cancelled")
		}
		content, err := c.summarizer.Summarize(cluster, cfg.MaxSummaryBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to summarize cluster %d", i)
		}
		contents[i] = content
	}

	cfg.Progress.SetPhase(PhaseStoringResults)
	results := make([]Result, 0, len(eligible))
	for i, cluster := range eligible {
		if err := ctx.Err(); err != nil {
			return results, errors.Wrap(err, "consolidation cancelled")
		}

		sum := &memory.Summary{
			UserID:      userID,
			Content:     contents[i],
			SourceCount: len(cluster),
			WindowStart: cluster[0].CreatedAt,
			WindowEnd:   cluster[len(cluster)-1].CreatedAt,
			CreatedAt:   c.timeNow().UTC(),
		}
		if err := c.store.AddSummary(sum); err != nil {
			return results, errors.Wrapf(err, "failed to store summary for cluster %d", i)
		}

		ids := make([]string, len(cluster))
		for j, m := range cluster {
			ids[j] = m.ID
		}
		if err := c.store.MarkConsolidated(ids, sum.ID); err != nil {
			return results, errors.Wrapf(err, "failed to mark cluster %d consolidated", i)
		}

		results = append(results, Result{
			SummaryID:       sum.ID,
			ConsolidatedIDs: ids,
			SummaryContent:  sum.Content,
			ConsolidatedAt:  sum.CreatedAt,
		})
		cfg.Progress.SetCounts(i+1, len(eligible))
	}

	c.logger.Infow("Consolidation pass completed",
		"user_id", userID,
		"memories", len(memories),
		"clusters", len(results))
	return results, nil
}

// clusterByWindow splits memories (already oldest first) into groups
// whose members all fall within window of the group's seed.
func clusterByWindow(memories []*memory.Memory, window time.Duration) [][]*memory.Memory {
	var clusters [][]*memory.Memory
	var current []*memory.Memory
	var seed time.Time

	for _, m := range memories {
		if len(current) == 0 || m.CreatedAt.Sub(seed) > window {
			if len(current) > 0 {
				clusters = append(clusters, current)
			}
			current = []*memory.Memory{m}
			seed = m.CreatedAt
			continue
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}
