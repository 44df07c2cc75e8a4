package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recipedb/connpool/pkg/monitor"
	"github.com/recipedb/connpool/pkg/pool"
	"github.com/recipedb/connpool/pkg/shutdown"
)

type memFactory struct {
	n atomic.Int64
}

func (f *memFactory) Create(ctx context.Context) (pool.Handle, error) {
	return fmt.Sprintf("conn-%d", f.n.Add(1)), nil
}

func (f *memFactory) Validate(ctx context.Context, h pool.Handle) error { return nil }

func (f *memFactory) Close(h pool.Handle) error { return nil }

func newTestServer(t *testing.T) (*Server, *pool.Pool, *monitor.Monitor, *shutdown.Coordinator) {
	t.Helper()

	cfg := pool.DefaultConfig()
	cfg.MinConns = 1
	cfg.MaxConns = 4
	p, err := pool.New(cfg, &memFactory{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(0) })

	m := monitor.New(monitor.Config{Interval: time.Hour, HistorySize: 10}, p)
	coord := shutdown.New(time.Second)

	s := NewServer("localhost:0", time.Second, time.Second, p, m, coord)
	return s, p, m, coord
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz_OK(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthz_CriticalPoolIs503(t *testing.T) {
	s, p, m, _ := newTestServer(t)

	// Saturate the pool so utilization goes critical.
	var conns []*pool.PooledConn
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	m.Sample()

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	for _, c := range conns {
		c.Release()
	}
}

func TestHealthz_ShuttingDownIs503(t *testing.T) {
	s, _, _, coord := newTestServer(t)
	coord.Shutdown()

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s, p, _, _ := newTestServer(t)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c.Release()

	rec := doRequest(t, s, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats pool.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveCount)
	assert.Equal(t, 4, stats.MaxConns)
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var hs monitor.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
	assert.Equal(t, monitor.StatusOK, hs.Status)
}

func TestHistoryEndpoint(t *testing.T) {
	s, _, m, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		m.Sample()
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/history?n=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var history []monitor.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 2)
}

func TestHistoryEndpoint_BadQuery(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/history?n=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertEndpoints(t *testing.T) {
	s, p, m, _ := newTestServer(t)

	// Force a status transition to raise an alert.
	var conns []*pool.PooledConn
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	m.Sample()
	for _, c := range conns {
		c.Release()
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/alerts")
	require.Equal(t, http.StatusOK, rec.Code)

	var alerts []monitor.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/alerts/"+alerts[0].ID+"/resolve")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/alerts/"+alerts[0].ID+"/resolve")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShutdownStatusEndpoint(t *testing.T) {
	s, _, _, coord := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/shutdown")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(shutdown.StateRunning), body["state"])

	coord.Shutdown()
	rec = doRequest(t, s, http.MethodGet, "/api/v1/shutdown")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(shutdown.StateDone), body["state"])
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
