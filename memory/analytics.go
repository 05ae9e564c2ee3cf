package memory

import (
	"database/sql"
	"time"

	"github.com/teranos/engram/errors"
)

// Stats summarizes a user's memory corpus. The consolidation ratio and
// unconsolidated span drive the "is consolidation keeping up" view.
type Stats struct {
	UserID             string       `json:"user_id"`
	TotalMemories      int          `json:"total_memories"`
	ByKind             map[Kind]int `json:"by_kind"`
	Consolidated       int          `json:"consolidated"`
	Unconsolidated     int          `json:"unconsolidated"`
	ConsolidationRatio float64      `json:"consolidation_ratio"`
	TotalContentBytes  int64        `json:"total_content_bytes"`
	SummaryCount       int          `json:"summary_count"`
	OldestPending      *time.Time   `json:"oldest_pending,omitempty"`
	NewestPending      *time.Time   `json:"newest_pending,omitempty"`
}

// Stats computes aggregate statistics for a user's memories.
func (s *Store) Stats(userID string) (*Stats, error) {
	stats := &Stats{
		UserID: userID,
		ByKind: make(map[Kind]int),
	}

	query := `
		SELECT kind, consolidated, COUNT(*), COALESCE(SUM(LENGTH(content)), 0)
		FROM memories
		WHERE user_id = ?
		GROUP BY kind, consolidated
	`
	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memory stats")
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var consolidated, count int
		var bytes int64
		if err := rows.Scan(&kind, &consolidated, &count, &bytes); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory stats")
		}
		stats.TotalMemories += count
		stats.ByKind[Kind(kind)] += count
		stats.TotalContentBytes += bytes
		if consolidated != 0 {
			stats.Consolidated += count
		} else {
			stats.Unconsolidated += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read memory stats")
	}

	if stats.TotalMemories > 0 {
		stats.ConsolidationRatio = float64(stats.Consolidated) / float64(stats.TotalMemories)
	}

	spanQuery := `
		SELECT MIN(created_at), MAX(created_at)
		FROM memories
		WHERE user_id = ? AND consolidated = 0
	`
	var oldest, newest sql.NullString
	if err := s.db.QueryRow(spanQuery, userID).Scan(&oldest, &newest); err != nil {
		return nil, errors.Wrap(err, "failed to query pending span")
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339, oldest.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse oldest pending %q", oldest.String)
		}
		stats.OldestPending = &t
	}
	if newest.Valid {
		t, err := time.Parse(time.RFC3339, newest.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse newest pending %q", newest.String)
		}
		stats.NewestPending = &t
	}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM memory_summaries WHERE user_id = ?`, userID,
	).Scan(&stats.SummaryCount); err != nil {
		return nil, errors.Wrap(err, "failed to count summaries")
	}

	return stats, nil
}
