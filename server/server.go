// Package server exposes the consolidation scheduler and memory store
// over HTTP: REST endpoints for status, triggering, and configuration,
// plus a WebSocket stream of status snapshots.
package server

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/engram/config"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/errors"
	"github.com/teranos/engram/memory"
)

// statusBroadcastInterval is how often the hub samples scheduler status
// for connected WebSocket clients. Unchanged snapshots are not resent.
const statusBroadcastInterval = 500 * time.Millisecond

// Server wires the scheduler, the memory store, and the live config
// behind an HTTP surface.
type Server struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	store     *memory.Store
	logger    *zap.SugaredLogger

	// persistConfig writes the consolidation section back to disk after
	// a successful PUT. Swapped out in tests.
	persistConfig func(config.ConsolidationConfig) error

	triggerLimiter *rate.Limiter // nil when unlimited

	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the server and starts its broadcast hub. The hub runs
// until Shutdown even if Start is never called, so tests can drive the
// handlers directly.
func New(cfg *config.Config, sched *scheduler.Scheduler, store *memory.Store, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:           cfg,
		scheduler:     sched,
		store:         store,
		logger:        logger.Named("server"),
		persistConfig: config.SaveConsolidation,
		clients:       make(map[*client]bool),
		register:      make(chan *client),
		unregister:    make(chan *client),
		ctx:           ctx,
		cancel:        cancel,
	}

	if n := cfg.Server.TriggerRatePerMinute; n > 0 {
		// Same shape as the watcher rate gate: n per minute, no burst.
		s.triggerLimiter = rate.NewLimiter(rate.Limit(float64(n))/60.0, 1)
	}

	s.wg.Add(1)
	go s.runHub()

	return s
}

// routes wires the HTTP surface.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/consolidation/status", s.handleStatus)
	mux.HandleFunc("/api/consolidation/trigger", s.handleTrigger)
	mux.HandleFunc("/api/consolidation/config", s.handleConfig)
	mux.HandleFunc("/api/memory/stats", s.handleMemoryStats)
	mux.HandleFunc("/ws/progress", s.handleProgressWS)
	return mux
}

// Start binds the configured address and serves until Shutdown. It
// blocks; run it in a goroutine next to signal handling.
func (s *Server) Start() error {
	addr := s.cfg.GetServerAddr()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Infow("HTTP server listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops the listener, disconnects WebSocket clients, and waits
// for the hub to drain. Safe to call whether or not Start ran.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("HTTP server shutting down")
	s.cancel()

	var err error
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.clients {
		c.close()
		c.conn.Close()
		delete(s.clients, c)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// runHub owns the client set: registrations, departures, and the
// periodic status broadcast. Snapshots identical to the previous one
// are suppressed so idle schedulers generate no traffic.
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(statusBroadcastInterval)
	defer ticker.Stop()

	var lastPayload []byte

	for {
		select {
		case <-s.ctx.Done():
			return

		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debugw("Progress client connected",
				"client_id", c.id,
				"clients", count)

			// New clients get the current snapshot immediately.
			if payload, err := s.statusPayload(); err == nil {
				c.trySend(payload)
			}

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.close()
			}
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debugw("Progress client disconnected",
				"client_id", c.id,
				"clients", count)

		case <-ticker.C:
			s.mu.RLock()
			hasClients := len(s.clients) > 0
			s.mu.RUnlock()
			if !hasClients {
				continue
			}

			payload, err := s.statusPayload()
			if err != nil {
				s.logger.Warnw("Failed to encode status snapshot", "error", err)
				continue
			}
			if bytes.Equal(payload, lastPayload) {
				continue
			}
			lastPayload = payload
			s.broadcastPayload(payload)
		}
	}
}

// broadcastPayload fans a snapshot out to every client without
// blocking; clients that cannot keep up miss updates rather than stall
// the hub.
func (s *Server) broadcastPayload(payload []byte) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(payload) {
			s.logger.Warnw("Client send buffer full, dropping status update",
				"client_id", c.id)
		}
	}
}
