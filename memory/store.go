package memory

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/engram/errors"
)

// Store persists memories and summaries in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a memory store backed by db.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:     db,
		logger: logger.Named("memory"),
	}
}

// Add stores a new memory. A missing ID is generated, a missing kind
// defaults to episodic, and a zero CreatedAt becomes now.
func (s *Store) Add(m *Memory) error {
	if m == nil {
		return errors.Wrap(errors.ErrInvalidRequest, "memory is nil")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "user ID cannot be empty")
	}
	if err := ValidateContent(m.Content); err != nil {
		return err
	}
	if m.Kind == "" {
		m.Kind = KindEpisodic
	}
	if !m.Kind.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown memory kind %q", m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO memories (id, user_id, content, kind, created_at, consolidated, summary_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var summaryID interface{}
	if m.SummaryID != "" {
		summaryID = m.SummaryID
	}
	consolidated := 0
	if m.Consolidated {
		consolidated = 1
	}

	_, err := s.db.Exec(query,
		m.ID, m.UserID, m.Content, string(m.Kind),
		m.CreatedAt.UTC().Format(time.RFC3339), consolidated, summaryID)
	if err != nil {
		return errors.Wrap(err, "failed to insert memory")
	}

	s.logger.Debugw("Memory stored",
		"memory_id", m.ID,
		"user_id", m.UserID,
		"kind", m.Kind)
	return nil
}

// Get retrieves a memory by ID.
func (s *Store) Get(id string) (*Memory, error) {
	query := `
		SELECT id, user_id, content, kind, created_at, consolidated, summary_id
		FROM memories
		WHERE id = ?
	`
	m, err := scanMemory(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("memory " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memory")
	}
	return m, nil
}

// ListUnconsolidated returns up to limit unconsolidated memories for a
// user, oldest first. Oldest-first keeps consolidation windows stable
// across repeated runs.
func (s *Store) ListUnconsolidated(userID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "limit must be positive, got %d", limit)
	}
	query := `
		SELECT id, user_id, content, kind, created_at, consolidated, summary_id
		FROM memories
		WHERE user_id = ? AND consolidated = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`
	rows, err := s.db.Query(query, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query unconsolidated memories")
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan memory")
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// MarkConsolidated flags the given memories as consolidated into
// summaryID. All rows update in one transaction so a crash cannot leave
// a summary pointing at half a cluster.
func (s *Store) MarkConsolidated(ids []string, summaryID string) error {
	if len(ids) == 0 {
		return nil
	}
	if strings.TrimSpace(summaryID) == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "summary ID cannot be empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE memories SET consolidated = 1, summary_id = ? WHERE id = ?`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare update")
	}
	defer stmt.Close()

	for _, id := range ids {
		result, err := stmt.Exec(summaryID, id)
		if err != nil {
			return errors.Wrapf(err, "failed to mark memory %s consolidated", id)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to check rows affected")
		}
		if affected == 0 {
			return errors.NewNotFoundError("memory " + id)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit consolidation marks")
	}

	s.logger.Debugw("Memories marked consolidated",
		"count", len(ids),
		"summary_id", summaryID)
	return nil
}

// AddSummary stores a consolidation summary. A missing ID is generated
// and a zero CreatedAt becomes now.
func (s *Store) AddSummary(sum *Summary) error {
	if sum == nil {
		return errors.Wrap(errors.ErrInvalidRequest, "summary is nil")
	}
	if strings.TrimSpace(sum.UserID) == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "user ID cannot be empty")
	}
	if strings.TrimSpace(sum.Content) == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "summary content cannot be empty")
	}
	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO memory_summaries (id, user_id, content, source_count, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		sum.ID, sum.UserID, sum.Content, sum.SourceCount,
		sum.WindowStart.UTC().Format(time.RFC3339),
		sum.WindowEnd.UTC().Format(time.RFC3339),
		sum.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "failed to insert summary")
	}

	s.logger.Debugw("Summary stored",
		"summary_id", sum.ID,
		"user_id", sum.UserID,
		"source_count", sum.SourceCount)
	return nil
}

// GetSummary retrieves a summary by ID.
func (s *Store) GetSummary(id string) (*Summary, error) {
	query := `
		SELECT id, user_id, content, source_count, window_start, window_end, created_at
		FROM memory_summaries
		WHERE id = ?
	`
	sum, err := scanSummary(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("summary " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query summary")
	}
	return sum, nil
}

// ListSummaries returns up to limit summaries for a user, newest first.
func (s *Store) ListSummaries(userID string, limit int) ([]*Summary, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "limit must be positive, got %d", limit)
	}
	query := `
		SELECT id, user_id, content, source_count, window_start, window_end, created_at
		FROM memory_summaries
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query summaries")
	}
	defer rows.Close()

	var summaries []*Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan summary")
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes a memory by ID.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete memory")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("memory " + id)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var kind, createdAt string
	var consolidated int
	var summaryID sql.NullString

	err := row.Scan(&m.ID, &m.UserID, &m.Content, &kind, &createdAt, &consolidated, &summaryID)
	if err != nil {
		return nil, err
	}

	m.Kind = Kind(kind)
	m.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at %q", createdAt)
	}
	m.Consolidated = consolidated != 0
	if summaryID.Valid {
		m.SummaryID = summaryID.String
	}
	return &m, nil
}

func scanSummary(row scanner) (*Summary, error) {
	var sum Summary
	var windowStart, windowEnd, createdAt string

	err := row.Scan(&sum.ID, &sum.UserID, &sum.Content, &sum.SourceCount,
		&windowStart, &windowEnd, &createdAt)
	if err != nil {
		return nil, err
	}

	sum.WindowStart, err = time.Parse(time.RFC3339, windowStart)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse window_start %q", windowStart)
	}
	sum.WindowEnd, err = time.Parse(time.RFC3339, windowEnd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse window_end %q", windowEnd)
	}
	sum.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at %q", createdAt)
	}
	return &sum, nil
}
