// Package memory stores user memories and the summaries produced by
// consolidating them.
package memory

import (
	"strings"
	"time"

	"github.com/teranos/engram/errors"
)

// Kind classifies a memory by how it was formed.
type Kind string

const (
	// KindEpisodic records a specific event or interaction
	KindEpisodic Kind = "episodic"
	// KindSemantic records a fact or preference
	KindSemantic Kind = "semantic"
	// KindProcedural records a how-to or workflow
	KindProcedural Kind = "procedural"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// MaxContentBytes caps memory content size. Oversized content is almost
// always an ingestion bug (a whole document pasted as one memory).
const MaxContentBytes = 16 * 1024

// Memory is a single stored memory fragment.
type Memory struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Content      string    `json:"content"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	Consolidated bool      `json:"consolidated"`
	SummaryID    string    `json:"summary_id,omitempty"` // set once consolidated
}

// Summary is the condensed record produced from a cluster of memories.
type Summary struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Content     string    `json:"content"`
	SourceCount int       `json:"source_count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidateContent checks that content is storable: non-blank and within
// the size cap.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "memory content cannot be empty")
	}
	if len(content) > MaxContentBytes {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"memory content exceeds %d bytes (got %d)", MaxContentBytes, len(content))
	}
	return nil
}
