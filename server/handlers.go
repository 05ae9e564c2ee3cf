package server

import (
	"net/http"
	"strings"

	"github.com/teranos/engram/config"
	"github.com/teranos/engram/consolidate"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/db"
	"github.com/teranos/engram/version"
)

// TriggerRequest is the body of POST /api/consolidation/trigger.
type TriggerRequest struct {
	UserID string `json:"user_id"`
}

// TriggerResponse reports a completed manual consolidation.
type TriggerResponse struct {
	Results []consolidate.Result `json:"results"`
	Count   int                  `json:"count"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
}

// handleHealth reports liveness and build info.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Get(),
	})
}

// handleStatus returns the scheduler's status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleTrigger runs a consolidation for the requested user right now.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.triggerLimiter != nil && !s.triggerLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "trigger rate limit exceeded")
		return
	}

	var req TriggerRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	s.logger.Infow("Manual consolidation trigger",
		"user_id", req.UserID,
		"remote", r.RemoteAddr)

	results, err := s.scheduler.TriggerNow(r.Context(), req.UserID)
	if err != nil {
		s.logger.Warnw("Consolidation trigger failed",
			"user_id", req.UserID,
			"code", scheduler.CodeOf(err),
			"error", err)
		writeError(w, triggerStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, TriggerResponse{Results: results, Count: len(results)})
}

// triggerStatus maps the scheduler's error taxonomy onto HTTP statuses.
func triggerStatus(err error) int {
	switch scheduler.CodeOf(err) {
	case scheduler.CodeInvalidInput, scheduler.CodeConfiguration:
		return http.StatusBadRequest
	case scheduler.CodeJobInProgress:
		return http.StatusConflict
	case scheduler.CodeLoadThresholdExceeded:
		return http.StatusServiceUnavailable
	case scheduler.CodeMaxRetriesExceeded:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleConfig reads (GET) or partially updates (PUT) the scheduler
// configuration. Successful updates are written back to the config
// file so they survive restarts.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.scheduler.Config())

	case http.MethodPut:
		var update scheduler.ConfigUpdate
		if err := readJSON(w, r, &update); err != nil {
			return
		}

		if err := s.scheduler.UpdateConfig(update); err != nil {
			s.logger.Warnw("Configuration update rejected", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		applied := s.scheduler.Config()
		if err := s.persistConfig(consolidationSection(applied)); err != nil {
			// The running scheduler already uses the new values; only
			// the file write failed.
			writeWrappedError(w, s.logger, err,
				"configuration applied but could not be persisted", http.StatusInternalServerError)
			return
		}

		s.logger.Infow("Configuration updated and persisted",
			"cron", applied.CronExpression,
			"enabled", applied.Enabled,
			"batch_size", applied.BatchSize)
		writeJSON(w, http.StatusOK, applied)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// consolidationSection converts live scheduler config into the config
// file's consolidation section.
func consolidationSection(sc scheduler.Config) config.ConsolidationConfig {
	return config.ConsolidationConfig{
		CronExpression:   sc.CronExpression,
		Enabled:          sc.Enabled,
		MaxSystemLoad:    sc.MaxSystemLoad,
		MaxRetryAttempts: sc.MaxRetryAttempts,
		BaseRetryDelay:   sc.BaseRetryDelay,
		DefaultUser:      sc.DefaultUser,
		Batch: config.BatchConfig{
			Size:            sc.BatchSize,
			ClusterWindow:   sc.ClusterWindow,
			MinClusterSize:  sc.MinClusterSize,
			MaxSummaryBytes: sc.MaxSummaryBytes,
		},
	}
}

// handleMemoryStats returns store analytics for one user.
func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	stats, err := s.store.Stats(userID)
	if err != nil {
		// A closed handle means the daemon is mid-shutdown, not broken.
		if db.IsDatabaseClosed(err) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		writeWrappedError(w, s.logger, err, "failed to compute memory stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
