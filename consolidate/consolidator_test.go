package consolidate

import (
	"context"
	"sync"
	"testing"
	"time"

	engramtest "github.com/teranos/engram/internal/testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engram/errors"
	"github.com/teranos/engram/memory"
)

// recordingSink captures progress updates for assertions.
type recordingSink struct {
	mu     sync.Mutex
	phases []string
	counts [][2]int
}

func (r *recordingSink) SetPhase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *recordingSink) SetCounts(processed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, [2]int{processed, total})
}

func seedMemories(t *testing.T, store *memory.Store, userID string, base time.Time, offsets []time.Duration) []string {
	t.Helper()
	ids := make([]string, len(offsets))
	for i, off := range offsets {
		m := &memory.Memory{
			UserID:    userID,
			Content:   "Observation number " + string(rune('A'+i)) + ". Extra detail follows.",
			CreatedAt: base.Add(off),
		}
		require.NoError(t, store.Add(m))
		ids[i] = m.ID
	}
	return ids
}

func TestRunConsolidation(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	// Two tight clusters an hour apart, plus a lone straggler.
	ids := seedMemories(t, store, "alice", base, []time.Duration{
		0, 5 * time.Minute, 10 * time.Minute, // cluster one
		60 * time.Minute, 70 * time.Minute, // cluster two
		3 * time.Hour, // straggler, below min size
	})

	sink := &recordingSink{}
	results, err := engine.RunConsolidation(context.Background(), "alice", Config{
		BatchSize:      100,
		ClusterWindow:  30 * time.Minute,
		MinClusterSize: 2,
		Progress:       sink,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.ElementsMatch(t, ids[:3], results[0].ConsolidatedIDs)
	assert.ElementsMatch(t, ids[3:5], results[1].ConsolidatedIDs)
	assert.NotEmpty(t, results[0].SummaryID)
	assert.NotEmpty(t, results[0].SummaryContent)
	assert.False(t, results[0].ConsolidatedAt.IsZero())

	// Summaries landed in the store with the cluster windows
	summaries, err := store.ListSummaries("alice", 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, sum := range summaries {
		if sum.SourceCount == 3 {
			assert.True(t, sum.WindowStart.Equal(base))
			assert.True(t, sum.WindowEnd.Equal(base.Add(10*time.Minute)))
		}
	}

	// Members are marked; the straggler is still pending
	pending, err := store.ListUnconsolidated("alice", 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[5], pending[0].ID)

	// Progress walked the three phases in order
	assert.Equal(t, []string{
		PhaseIdentifyingClusters,
		PhaseGeneratingSummaries,
		PhaseStoringResults,
	}, sink.phases)
	assert.Equal(t, [2]int{0, 2}, sink.counts[0])
	assert.Equal(t, [2]int{2, 2}, sink.counts[len(sink.counts)-1])
}

func TestRunConsolidation_NothingPending(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	results, err := engine.RunConsolidation(context.Background(), "alice", Config{BatchSize: 50})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRunConsolidation_AllClustersTooSmall(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	seedMemories(t, store, "alice", base, []time.Duration{0, 2 * time.Hour, 4 * time.Hour})

	results, err := engine.RunConsolidation(context.Background(), "alice", Config{
		BatchSize:      100,
		ClusterWindow:  30 * time.Minute,
		MinClusterSize: 2,
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	pending, err := store.ListUnconsolidated("alice", 100)
	require.NoError(t, err)
	assert.Len(t, pending, 3, "undersized clusters stay pending")
}

func TestRunConsolidation_BatchSizeCapsWork(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ids := seedMemories(t, store, "alice", base, []time.Duration{
		0, time.Minute, 2 * time.Minute, 3 * time.Minute, 4 * time.Minute,
	})

	results, err := engine.RunConsolidation(context.Background(), "alice", Config{
		BatchSize:      3,
		ClusterWindow:  30 * time.Minute,
		MinClusterSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ElementsMatch(t, ids[:3], results[0].ConsolidatedIDs,
		"only the oldest batch-size memories are considered")

	pending, err := store.ListUnconsolidated("alice", 100)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunConsolidation_InvalidInput(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	_, err := engine.RunConsolidation(context.Background(), "", Config{BatchSize: 10})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = engine.RunConsolidation(context.Background(), "alice", Config{BatchSize: 0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRunConsolidation_CancelledContext(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	seedMemories(t, store, "alice", base, []time.Duration{0, time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.RunConsolidation(ctx, "alice", Config{
		BatchSize:      100,
		ClusterWindow:  30 * time.Minute,
		MinClusterSize: 2,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	pending, err := store.ListUnconsolidated("alice", 100)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "cancelled run consolidates nothing")
}

func TestRunConsolidation_SummaryRespectsMaxBytes(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, nil)
	engine := NewConsolidator(store, nil, nil)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	seedMemories(t, store, "alice", base, []time.Duration{0, time.Minute, 2 * time.Minute})

	results, err := engine.RunConsolidation(context.Background(), "alice", Config{
		BatchSize:       100,
		ClusterWindow:   30 * time.Minute,
		MinClusterSize:  2,
		MaxSummaryBytes: 16,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.LessOrEqual(t, len(results[0].SummaryContent), 16)
}

func TestClusterByWindow(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mk := func(off time.Duration) *memory.Memory {
		return &memory.Memory{ID: off.String(), CreatedAt: base.Add(off)}
	}

	t.Run("splits on gap from seed", func(t *testing.T) {
		clusters := clusterByWindow([]*memory.Memory{
			mk(0), mk(10 * time.Minute), mk(29 * time.Minute),
			mk(31 * time.Minute), // 31m from first seed, starts new cluster
			mk(45 * time.Minute),
		}, 30*time.Minute)
		require.Len(t, clusters, 2)
		assert.Len(t, clusters[0], 3)
		assert.Len(t, clusters[1], 2)
	})

	t.Run("window measured from seed not neighbor", func(t *testing.T) {
		// Each memory is 20m after the previous; a chain would never
		// split, but measuring from the seed caps cluster span.
		clusters := clusterByWindow([]*memory.Memory{
			mk(0), mk(20 * time.Minute), mk(40 * time.Minute), mk(60 * time.Minute),
		}, 30*time.Minute)
		require.Len(t, clusters, 2)
		assert.Len(t, clusters[0], 2)
		assert.Len(t, clusters[1], 2)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, clusterByWindow(nil, 30*time.Minute))
	})

	t.Run("single memory", func(t *testing.T) {
		clusters := clusterByWindow([]*memory.Memory{mk(0)}, 30*time.Minute)
		require.Len(t, clusters, 1)
		assert.Len(t, clusters[0], 1)
	})
}
