package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/livesync/internal/feed"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
)

const (
	anonKey    = "anon-key"
	serviceKey = "service-key"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := feed.OpenStore(filepath.Join(t.TempDir(), "feed.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	cfg := feed.DefaultConfig()
	cfg.AnonKey = anonKey
	cfg.ServiceKey = serviceKey
	svc := feed.NewService(store, cfg, metrics.New(reg))
	t.Cleanup(svc.Close)

	return New(svc, reg)
}

func do(t *testing.T, srv *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("apikey", key)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	w := do(t, srv, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestStatsRequiresServiceRole(t *testing.T) {
	srv := setupTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, "GET", "/realtime/v1/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, "GET", "/realtime/v1/stats", "nope", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, srv, "GET", "/realtime/v1/stats", anonKey, "").Code)

	w := do(t, srv, "GET", "/realtime/v1/stats", serviceKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var stats feed.HubStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Connections)
}

func TestStatsAcceptsBearer(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/realtime/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+serviceKey)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req.Header.Set("Authorization", "Token "+serviceKey)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChangesEndpointAndMetrics(t *testing.T) {
	srv := setupTestServer(t)

	body := `{"resource":"messages","op":"INSERT","new":{"id":1,"body":"hi"}}`
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, "POST", "/realtime/v1/changes", anonKey, body).Code)

	w := do(t, srv, "POST", "/realtime/v1/changes", serviceKey, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"1"`)

	w = do(t, srv, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `livesync_feed_changes_appended_total{op="INSERT",resource="messages"} 1`)
}

func TestWebSocketRejectsBadKey(t *testing.T) {
	srv := setupTestServer(t)
	w := do(t, srv, "GET", "/realtime/v1/websocket?apikey=bad", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	require.NoError(t, log.Init(&log.Config{Level: "debug", Output: "stderr", BufferLines: 50}))
	t.Cleanup(func() { log.Init(log.DefaultConfig()) })
	srv := setupTestServer(t)

	log.Info("feed: marker line")

	w := do(t, srv, "GET", "/realtime/v1/logs?q=marker&lines=5", serviceKey, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Lines, 1)
	assert.Contains(t, resp.Lines[0], "marker line")

	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/realtime/v1/logs?lines=x", serviceKey, "").Code)
}
