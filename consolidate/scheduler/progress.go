package scheduler

import (
	"sync"
	"time"

	"github.com/teranos/engram/consolidate"
)

// Progress is the coarse in-flight view of a running job.
type Progress struct {
	Processed       int     `json:"processed"`
	Total           int     `json:"total"`
	PercentComplete float64 `json:"percent_complete"`
}

// DetailedProgress adds the phase and timing view.
type DetailedProgress struct {
	Phase         string    `json:"phase"`
	StartedAt     time.Time `json:"started_at"`
	MemoriesTotal int       `json:"memories_total"`
}

// Tracker holds the in-flight job's progress. It implements
// consolidate.ProgressSink so the engine feeds it directly; both views
// exist only between Begin and End.
type Tracker struct {
	mu       sync.Mutex
	progress *Progress
	detailed *DetailedProgress

	timeNow func() time.Time
}

var _ consolidate.ProgressSink = (*Tracker)(nil)

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{timeNow: time.Now}
}

// Begin marks a job started against batchSize memories.
func (t *Tracker) Begin(batchSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = &Progress{Processed: 0, Total: 1, PercentComplete: 0}
	t.detailed = &DetailedProgress{
		Phase:         consolidate.PhaseIdentifyingClusters,
		StartedAt:     t.timeNow(),
		MemoriesTotal: batchSize,
	}
}

// End clears both views, on success and on failure alike.
func (t *Tracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = nil
	t.detailed = nil
}

// SetPhase records the running job's phase. Ignored while idle.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detailed == nil {
		return
	}
	t.detailed.Phase = phase
}

// SetCounts records clusters completed out of clusters found. Ignored
// while idle.
func (t *Tracker) SetCounts(processed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.progress == nil {
		return
	}
	t.progress.Processed = processed
	t.progress.Total = total
	if total > 0 {
		t.progress.PercentComplete = float64(processed) / float64(total) * 100
	} else {
		t.progress.PercentComplete = 0
	}
}

// Progress returns a copy of the coarse view, nil while idle.
func (t *Tracker) Progress() *Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.progress == nil {
		return nil
	}
	p := *t.progress
	return &p
}

// Detailed returns a copy of the phase view, nil while idle.
func (t *Tracker) Detailed() *DetailedProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detailed == nil {
		return nil
	}
	d := *t.detailed
	return &d
}
