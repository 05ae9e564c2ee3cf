package memory

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	engramtest "github.com/teranos/engram/internal/testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := NewStore(db, nil)
	now := time.Now().UTC().Truncate(time.Second)

	memories := []*Memory{
		{UserID: "alice", Content: "breakfast meeting", Kind: KindEpisodic, CreatedAt: now.Add(-4 * time.Hour)},
		{UserID: "alice", Content: "likes espresso", Kind: KindSemantic, CreatedAt: now.Add(-3 * time.Hour)},
		{UserID: "alice", Content: "deploy with make release", Kind: KindProcedural, CreatedAt: now.Add(-2 * time.Hour)},
		{UserID: "alice", Content: "lunch with bob", Kind: KindEpisodic, CreatedAt: now.Add(-1 * time.Hour)},
		{UserID: "bob", Content: "bob's memory", Kind: KindEpisodic, CreatedAt: now},
	}
	for _, m := range memories {
		require.NoError(t, store.Add(m))
	}

	sum := &Summary{UserID: "alice", Content: "morning recap", SourceCount: 2,
		WindowStart: now.Add(-4 * time.Hour), WindowEnd: now.Add(-3 * time.Hour)}
	require.NoError(t, store.AddSummary(sum))
	require.NoError(t, store.MarkConsolidated([]string{memories[0].ID, memories[1].ID}, sum.ID))

	stats, err := store.Stats("alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", stats.UserID)
	assert.Equal(t, 4, stats.TotalMemories)
	assert.Equal(t, 2, stats.ByKind[KindEpisodic])
	assert.Equal(t, 1, stats.ByKind[KindSemantic])
	assert.Equal(t, 1, stats.ByKind[KindProcedural])
	assert.Equal(t, 2, stats.Consolidated)
	assert.Equal(t, 2, stats.Unconsolidated)
	assert.InDelta(t, 0.5, stats.ConsolidationRatio, 0.001)
	assert.Equal(t, 1, stats.SummaryCount)
	assert.Positive(t, stats.TotalContentBytes)

	require.NotNil(t, stats.OldestPending)
	require.NotNil(t, stats.NewestPending)
	assert.True(t, stats.OldestPending.Equal(now.Add(-2*time.Hour)),
		"oldest pending should be the procedural memory")
	assert.True(t, stats.NewestPending.Equal(now.Add(-1*time.Hour)))
}

func TestStats_EmptyUser(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := NewStore(db, nil)

	stats, err := store.Stats("nobody")
	require.NoError(t, err)

	assert.Equal(t, 0, stats.TotalMemories)
	assert.Equal(t, 0.0, stats.ConsolidationRatio)
	assert.Equal(t, 0, stats.SummaryCount)
	assert.Nil(t, stats.OldestPending)
	assert.Nil(t, stats.NewestPending)
	assert.Empty(t, stats.ByKind)
}

func TestStats_AllConsolidated(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := NewStore(db, nil)

	m := &Memory{UserID: "alice", Content: "only one"}
	require.NoError(t, store.Add(m))

	sum := &Summary{UserID: "alice", Content: "the summary", SourceCount: 1,
		WindowStart: time.Now().Add(-time.Hour), WindowEnd: time.Now()}
	require.NoError(t, store.AddSummary(sum))
	require.NoError(t, store.MarkConsolidated([]string{m.ID}, sum.ID))

	stats, err := store.Stats("alice")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, stats.ConsolidationRatio, 0.001)
	assert.Nil(t, stats.OldestPending, "nothing pending once everything is consolidated")
}

// --- Sqlmock Tests ---
// Failure paths that an in-memory database cannot produce.

func TestStats_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, nil)

	mock.ExpectQuery(`SELECT kind, consolidated, COUNT`).
		WithArgs("alice").
		WillReturnError(assert.AnError)

	_, err = store.Stats("alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query memory stats")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_SpanQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, nil)

	rows := sqlmock.NewRows([]string{"kind", "consolidated", "count", "bytes"}).
		AddRow("episodic", 0, 3, int64(120))
	mock.ExpectQuery(`SELECT kind, consolidated, COUNT`).
		WithArgs("alice").
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT MIN\(created_at\), MAX\(created_at\)`).
		WithArgs("alice").
		WillReturnError(assert.AnError)

	_, err = store.Stats("alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query pending span")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdd_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, nil)

	mock.ExpectExec(`INSERT INTO memories`).
		WillReturnError(assert.AnError)

	err = store.Add(&Memory{UserID: "alice", Content: "doomed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert memory")
	assert.NoError(t, mock.ExpectationsWereMet())
}
