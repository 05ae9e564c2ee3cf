// Package scheduler fires consolidation runs on a cron schedule and on
// demand, guarding the host with load admission, single-flight
// execution, and exponential-backoff retries.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engram/consolidate"
	"github.com/teranos/engram/errors"
)

// Scheduler owns the recurring timer, the single job slot, and the live
// configuration. One mutex guards all of it; the mutex is never held
// across an engine call or a backoff wait, so status reads stay
// responsive while a job is in flight.
type Scheduler struct {
	engine  consolidate.Engine
	sampler LoadSampler
	logger  *zap.SugaredLogger
	tracker *Tracker

	mu         sync.Mutex
	cfg        Config
	running    bool // timer armed
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	jobRunning bool
	jobCancel  context.CancelFunc // interrupts the running job's backoff waits

	lastRunAt     *time.Time
	lastErr       error
	retryAttempts int
	nextRunAt     *time.Time

	timeNow func() time.Time // injectable for tests
}

// Status is the read-only snapshot Status returns. IsRunning means the
// recurring timer is armed, which is independent of whether a job is
// currently in flight (CurrentProgress non-nil).
type Status struct {
	IsRunning        bool              `json:"is_running"`
	LastRunAt        *time.Time        `json:"last_run_at,omitempty"`
	CurrentProgress  *Progress         `json:"current_progress,omitempty"`
	DetailedProgress *DetailedProgress `json:"detailed_progress,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	RetryAttempts    int               `json:"retry_attempts"`
	BatchSize        int               `json:"batch_size"`
	NextRunAt        *time.Time        `json:"next_run_at,omitempty"`
}

// New builds a scheduler around engine. Overrides merge over
// DefaultConfig and are validated before anything else happens; a nil
// sampler gets the host load sampler.
func New(engine consolidate.Engine, overrides ConfigUpdate, sampler LoadSampler, logger *zap.SugaredLogger) (*Scheduler, error) {
	cfg := DefaultConfig().merge(overrides)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = NewSystemLoadSampler()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		engine:  engine,
		sampler: sampler,
		logger:  logger.Named("scheduler"),
		tracker: NewTracker(),
		cfg:     cfg,
		timeNow: time.Now,
	}, nil
}

// Start arms the recurring timer. Idempotent; a disabled config leaves
// the scheduler stopped. A cron expression that fails to parse still
// arms the timer, it just never fires until corrected via UpdateConfig.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debugw("Scheduler already started")
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.logger.Infow("Scheduler disabled, not starting")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.loopCancel = cancel
	expr := s.cfg.CronExpression
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Infow("Scheduler started", "cron", expr)
}

// Stop cancels the recurring timer and any pending retry delay. An
// engine attempt already in flight is left to finish and records its
// outcome once done.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		// A manual trigger may still be waiting out a backoff.
		if s.jobCancel != nil {
			s.jobCancel()
		}
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.loopCancel
	s.loopCancel = nil
	if s.jobCancel != nil {
		s.jobCancel()
	}
	s.nextRunAt = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

// IsRunning reports whether the recurring timer is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerNow runs one consolidation for userID immediately, bypassing
// the timer but honoring admission, single-flight, and retry policy.
// It works whether or not the timer is armed. The engine runs under the
// caller's ctx; Stop only interrupts the waits between attempts.
func (s *Scheduler) TriggerNow(ctx context.Context, userID string) ([]consolidate.Result, error) {
	return s.run(ctx, userID)
}

// Status returns a self-consistent snapshot. It never blocks on a
// running job.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsRunning:        s.running,
		CurrentProgress:  s.tracker.Progress(),
		DetailedProgress: s.tracker.Detailed(),
		RetryAttempts:    s.retryAttempts,
		BatchSize:        s.cfg.BatchSize,
	}
	if s.lastRunAt != nil {
		t := *s.lastRunAt
		st.LastRunAt = &t
	}
	if s.nextRunAt != nil {
		t := *s.nextRunAt
		st.NextRunAt = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// DetailedProgress returns the phase view of the in-flight job, nil
// while no job runs.
func (s *Scheduler) DetailedProgress() *DetailedProgress {
	return s.tracker.Detailed()
}

// Config returns a copy of the live configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig merges the partial update, validates the result, and
// swaps it in. If the timer was armed the scheduler restarts so a new
// cron expression takes effect immediately. An invalid update leaves
// the live configuration untouched.
func (s *Scheduler) UpdateConfig(update ConfigUpdate) error {
	s.mu.Lock()
	merged := s.cfg.merge(update)
	if err := merged.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		s.Stop()
	}
	s.mu.Lock()
	s.cfg = merged
	s.mu.Unlock()
	if wasRunning {
		s.Start()
	}

	s.logger.Infow("Scheduler configuration updated",
		"cron", merged.CronExpression,
		"enabled", merged.Enabled,
		"batch_size", merged.BatchSize)
	return nil
}

// SetBatchSize changes how many memories the next run consolidates.
func (s *Scheduler) SetBatchSize(n int) error {
	if n <= 0 {
		return newError(CodeConfiguration, "batch size must be positive, got %d", n)
	}
	s.mu.Lock()
	s.cfg.BatchSize = n
	s.mu.Unlock()
	return nil
}

// BatchSize returns the batch size the next run will use.
func (s *Scheduler) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BatchSize
}

// runLoop arms a timer for the next cron fire and dispatches runs until
// its context is cancelled. An unparsable expression parks the loop
// with no timer; only Stop or an UpdateConfig restart wakes it.
func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := s.timeNow()
		s.mu.Lock()
		expr := s.cfg.CronExpression
		next, ok := NextRun(expr, now)
		if ok {
			n := next
			s.nextRunAt = &n
		} else {
			s.nextRunAt = nil
		}
		s.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			timer = time.NewTimer(next.Sub(now))
			fire = timer.C
			s.logger.Debugw("Next scheduled consolidation",
				"next_run_at", next.Format(time.RFC3339))
		} else {
			s.logger.Warnw("Cron expression did not parse, scheduled runs suspended",
				"cron", expr)
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-fire:
			s.dispatchScheduledRun()
		}
	}
}

// dispatchScheduledRun starts a scheduled job without blocking the
// timer loop. The engine runs under a background context so a Stop
// cannot abort an attempt already dispatched.
func (s *Scheduler) dispatchScheduledRun() {
	s.mu.Lock()
	userID := s.cfg.DefaultUser
	s.mu.Unlock()

	if userID == "" {
		s.logger.Warnw("No default user configured, skipping scheduled consolidation")
		return
	}

	go func() {
		results, err := s.run(context.Background(), userID)
		if err != nil {
			// Busy or loaded hosts just skip this fire; the next one
			// tries again.
			s.logger.Warnw("Scheduled consolidation did not complete",
				"user_id", userID,
				"error", err)
			return
		}
		s.logger.Infow("Scheduled consolidation completed",
			"user_id", userID,
			"clusters", len(results))
	}()
}

// run is the single execution path shared by scheduled fires and manual
// triggers: validate, claim the job slot, pass admission, then drive
// the engine through the retry policy.
func (s *Scheduler) run(ctx context.Context, userID string) ([]consolidate.Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newError(CodeInvalidInput, "user ID cannot be empty")
	}

	// Claim the slot before sampling load so two callers cannot both
	// pass admission.
	s.mu.Lock()
	if s.jobRunning {
		s.mu.Unlock()
		return nil, newError(CodeJobInProgress, "a consolidation job is already running")
	}
	s.jobRunning = true
	ceiling := s.cfg.MaxSystemLoad
	s.mu.Unlock()

	load, err := s.sampler.Sample()
	if err != nil {
		// A sampler that cannot read the host should not block
		// consolidation.
		s.logger.Warnw("Load sampling failed, admitting job", "error", err)
		load = 0
	}
	if !isAdmissible(load, ceiling) {
		s.mu.Lock()
		s.jobRunning = false
		s.mu.Unlock()
		return nil, newError(CodeLoadThresholdExceeded,
			"system load %.2f exceeds ceiling %.2f", load, ceiling)
	}

	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	s.mu.Lock()
	s.jobCancel = jobCancel
	s.retryAttempts = 0
	cfg := s.cfg
	s.tracker.Begin(cfg.BatchSize)
	s.mu.Unlock()

	s.logger.Infow("Consolidation job started",
		"user_id", userID,
		"batch_size", cfg.BatchSize,
		"load", load)

	results, runErr := s.runAttempts(ctx, jobCtx, userID, cfg)

	s.mu.Lock()
	s.jobRunning = false
	s.jobCancel = nil
	s.tracker.End()
	if runErr == nil {
		now := s.timeNow()
		s.lastRunAt = &now
		s.lastErr = nil
	}
	s.mu.Unlock()

	return results, runErr
}

// runAttempts drives the engine through up to 1+MaxRetryAttempts
// attempts with exponential backoff. The engine attempt runs under ctx;
// jobCtx only interrupts the waits between attempts, so Stop never
// aborts an engine call already in flight.
func (s *Scheduler) runAttempts(ctx, jobCtx context.Context, userID string, cfg Config) ([]consolidate.Result, error) {
	ecfg := consolidate.Config{
		BatchSize:       cfg.BatchSize,
		ClusterWindow:   cfg.ClusterWindow,
		MinClusterSize:  cfg.MinClusterSize,
		MaxSummaryBytes: cfg.MaxSummaryBytes,
		Progress:        s.tracker,
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseRetryDelay * time.Duration(1<<(attempt-1))
			s.logger.Warnw("Retrying consolidation",
				"user_id", userID,
				"attempt", attempt,
				"max_retries", cfg.MaxRetryAttempts,
				"delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-jobCtx.Done():
				timer.Stop()
				return nil, errors.Wrap(jobCtx.Err(), "retry abandoned, scheduler stopped")
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Wrap(ctx.Err(), "retry abandoned, caller gone")
			}
		}

		s.mu.Lock()
		s.retryAttempts = attempt
		s.mu.Unlock()

		results, err := s.engine.RunConsolidation(ctx, userID, ecfg)
		if err == nil {
			return results, nil
		}
		lastErr = err
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Errorw("Consolidation attempt failed",
			"user_id", userID,
			"attempt", attempt,
			"error", err)
	}

	exhausted := wrapError(lastErr, CodeMaxRetriesExceeded,
		"consolidation failed after %d attempts", cfg.MaxRetryAttempts+1)
	s.mu.Lock()
	s.lastErr = exhausted
	s.mu.Unlock()
	return nil, exhausted
}
