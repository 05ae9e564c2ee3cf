package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/engram/config"
	"github.com/teranos/engram/consolidate"
	"github.com/teranos/engram/consolidate/scheduler"
	"github.com/teranos/engram/errors"
	engramtest "github.com/teranos/engram/internal/testing"
	"github.com/teranos/engram/internal/util"
	"github.com/teranos/engram/memory"

	_ "github.com/mattn/go-sqlite3"
)

// stubEngine scripts consolidation outcomes for handler tests.
type stubEngine struct {
	mu      sync.Mutex
	calls   int
	users   []string
	err     error
	results []consolidate.Result
	block   chan struct{}
	started chan struct{}
}

func (e *stubEngine) RunConsolidation(ctx context.Context, userID string, cfg consolidate.Config) ([]consolidate.Result, error) {
	e.mu.Lock()
	e.calls++
	e.users = append(e.users, userID)
	err := e.err
	results := e.results
	block := e.block
	started := e.started
	e.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubSampler struct{ load float64 }

func (s stubSampler) Sample() (float64, error) { return s.load, nil }

type testServer struct {
	srv    *Server
	http   *httptest.Server
	store  *memory.Store
	engine *stubEngine
}

func newTestServer(t *testing.T, engine *stubEngine, overrides scheduler.ConfigUpdate, mutate func(*config.Config)) *testServer {
	t.Helper()

	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, zap.NewNop().Sugar())

	sched, err := scheduler.New(engine, overrides, stubSampler{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}

	s := New(cfg, sched, store, zap.NewNop().Sugar())
	s.persistConfig = func(config.ConsolidationConfig) error { return nil }

	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	return &testServer{srv: s, http: ts, store: store, engine: engine}
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) send(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	resp := ts.get(t, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version.GoVersion)

	resp = ts.send(t, http.MethodPost, "/api/health", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	resp := ts.get(t, "/api/consolidation/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decodeBody[scheduler.Status](t, resp)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 100, st.BatchSize)
	assert.Nil(t, st.CurrentProgress)
}

func TestTrigger(t *testing.T) {
	engine := &stubEngine{
		results: []consolidate.Result{{SummaryID: "SUM_1", ConsolidatedIDs: []string{"a", "b"}}},
	}
	ts := newTestServer(t, engine, scheduler.ConfigUpdate{}, nil)

	resp := ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[TriggerResponse](t, resp)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "SUM_1", body.Results[0].SummaryID)
	assert.Equal(t, 1, engine.callCount())
}

func TestTrigger_EmptyUser(t *testing.T) {
	engine := &stubEngine{}
	ts := newTestServer(t, engine, scheduler.ConfigUpdate{}, nil)

	resp := ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "   "})
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "user ID cannot be empty")
	assert.Equal(t, 0, engine.callCount())
}

func TestTrigger_MalformedBody(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/consolidation/trigger",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrigger_JobInProgressConflict(t *testing.T) {
	engine := &stubEngine{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	ts := newTestServer(t, engine, scheduler.ConfigUpdate{}, nil)

	done := make(chan int, 1)
	go func() {
		resp := ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "u1"})
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first trigger never reached the engine")
	}

	resp := ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "u2"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(engine.block)
	select {
	case status := <-done:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(2 * time.Second):
		t.Fatal("first trigger never resolved")
	}
}

func TestTrigger_LoadExceeded(t *testing.T) {
	engine := &stubEngine{}
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, zap.NewNop().Sugar())

	sched, err := scheduler.New(engine, scheduler.ConfigUpdate{},
		stubSampler{load: 0.99}, zap.NewNop().Sugar())
	require.NoError(t, err)

	s := New(&config.Config{}, sched, store, zap.NewNop().Sugar())
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	resp, err := http.Post(ts.URL+"/api/consolidation/trigger", "application/json",
		bytes.NewBufferString(`{"user_id":"alice"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, engine.callCount())
}

func TestTrigger_RetriesExhausted(t *testing.T) {
	engine := &stubEngine{err: errors.New("backing store on fire")}
	ts := newTestServer(t, engine, scheduler.ConfigUpdate{
		MaxRetryAttempts: util.Ptr(0),
	}, nil)

	resp := ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "alice"})
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "max_retries_exceeded")
}

func TestTrigger_RateLimited(t *testing.T) {
	engine := &stubEngine{}
	ts := newTestServer(t, engine, scheduler.ConfigUpdate{}, func(c *config.Config) {
		c.Server.TriggerRatePerMinute = 5
	})

	resp := ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "alice"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.send(t, http.MethodPost, "/api/consolidation/trigger", TriggerRequest{UserID: "alice"})
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body["error"], "rate limit")
	assert.Equal(t, 1, engine.callCount(), "limited requests never reach the scheduler")
}

func TestConfigGet(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	resp := ts.get(t, "/api/consolidation/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cfg := decodeBody[scheduler.Config](t, resp)
	assert.Equal(t, "0 3 * * *", cfg.CronExpression)
	assert.Equal(t, 100, cfg.BatchSize)
}

func TestConfigPut(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	var saved []config.ConsolidationConfig
	ts.srv.persistConfig = func(c config.ConsolidationConfig) error {
		saved = append(saved, c)
		return nil
	}

	resp := ts.send(t, http.MethodPut, "/api/consolidation/config", scheduler.ConfigUpdate{
		CronExpression: util.Ptr("0 4 * * *"),
		BatchSize:      util.Ptr(50),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	applied := decodeBody[scheduler.Config](t, resp)
	assert.Equal(t, "0 4 * * *", applied.CronExpression)
	assert.Equal(t, 50, applied.BatchSize)
	assert.Equal(t, 0.75, applied.MaxSystemLoad, "unset fields keep their values")

	require.Len(t, saved, 1)
	assert.Equal(t, "0 4 * * *", saved[0].CronExpression)
	assert.Equal(t, 50, saved[0].Batch.Size)

	// The live scheduler reflects the update.
	resp = ts.get(t, "/api/consolidation/config")
	live := decodeBody[scheduler.Config](t, resp)
	assert.Equal(t, 50, live.BatchSize)
}

func TestConfigPut_InvalidRejected(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	persisted := 0
	ts.srv.persistConfig = func(config.ConsolidationConfig) error {
		persisted++
		return nil
	}

	resp := ts.send(t, http.MethodPut, "/api/consolidation/config", scheduler.ConfigUpdate{
		MaxSystemLoad: util.Ptr(2.0),
	})
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "max system load")
	assert.Equal(t, 0, persisted, "rejected updates are never persisted")

	resp = ts.get(t, "/api/consolidation/config")
	live := decodeBody[scheduler.Config](t, resp)
	assert.Equal(t, 0.75, live.MaxSystemLoad)
}

func TestConfigPut_PersistFailure(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	ts.srv.persistConfig = func(config.ConsolidationConfig) error {
		return errors.New("read-only filesystem")
	}

	resp := ts.send(t, http.MethodPut, "/api/consolidation/config", scheduler.ConfigUpdate{
		BatchSize: util.Ptr(42),
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The live update was applied; only the file write failed.
	resp = ts.get(t, "/api/consolidation/config")
	live := decodeBody[scheduler.Config](t, resp)
	assert.Equal(t, 42, live.BatchSize)
}

func TestMemoryStats(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.Add(&memory.Memory{
			UserID:  "alice",
			Content: fmt.Sprintf("Observation %d.", i),
			Kind:    memory.KindEpisodic,
		}))
	}

	resp := ts.get(t, "/api/memory/stats?user_id=alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeBody[memory.Stats](t, resp)
	assert.Equal(t, "alice", stats.UserID)
	assert.Equal(t, 3, stats.TotalMemories)
	assert.Equal(t, 3, stats.Unconsolidated)
}

func TestMemoryStats_MissingUser(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	resp := ts.get(t, "/api/memory/stats")
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "user_id")
}

func TestMemoryStats_DuringShutdown(t *testing.T) {
	db := engramtest.CreateTestDB(t)
	store := memory.NewStore(db, zap.NewNop().Sugar())

	sched, err := scheduler.New(&stubEngine{}, scheduler.ConfigUpdate{}, stubSampler{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	s := New(&config.Config{}, sched, store, zap.NewNop().Sugar())
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	require.NoError(t, db.Close())

	resp, err := http.Get(ts.URL + "/api/memory/stats?user_id=alice")
	require.NoError(t, err)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["error"], "shutting down")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &stubEngine{}, scheduler.ConfigUpdate{}, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/consolidation/trigger"},
		{http.MethodPost, "/api/consolidation/status"},
		{http.MethodDelete, "/api/consolidation/config"},
		{http.MethodPut, "/api/memory/stats"},
	}

	for _, tt := range tests {
		resp := ts.send(t, tt.method, tt.path, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode,
			"%s %s", tt.method, tt.path)
	}
}
