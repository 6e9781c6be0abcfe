package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/config"
	"github.com/jobswipe/applyd/internal/storage/memory"
)

type fakePool struct {
	workers []autoapply.WorkerInfo
	stopped bool
}

func (f *fakePool) Snapshot() []autoapply.WorkerInfo { return f.workers }

func (f *fakePool) StopAll(context.Context) error {
	f.stopped = true
	return nil
}

type fakeWatcher struct {
	active   int
	estimate time.Duration
}

func (f *fakeWatcher) Active() int                 { return f.active }
func (f *fakeWatcher) WaitEstimate() time.Duration { return f.estimate }

type fakeStats struct {
	stats autoapply.Stats
}

func (f *fakeStats) Stats() autoapply.Stats { return f.stats }

type failingLogStore struct{}

func (failingLogStore) SaveLog(context.Context, autoapply.AutomationLog) error { return nil }
func (failingLogStore) GetLog(context.Context, string) (autoapply.AutomationLog, error) {
	return autoapply.AutomationLog{}, errors.New("store down")
}
func (failingLogStore) SaveStats(context.Context, autoapply.Stats) error { return nil }
func (failingLogStore) LoadStats(context.Context) (autoapply.Stats, error) {
	return autoapply.Stats{}, errors.New("store down")
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *memory.LogStore) {
	t.Helper()
	logStore := memory.NewLogStore()
	pool := &fakePool{workers: []autoapply.WorkerInfo{{ID: "w1", PID: 42, Status: autoapply.WorkerIdle}}}
	watcher := &fakeWatcher{active: 2, estimate: 3 * time.Minute}
	stats := &fakeStats{stats: autoapply.Stats{Total: 7, Succeeded: 5, Failed: 2}}
	return NewServer(pool, watcher, stats, logStore, cfg, nil), logStore
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz_StoreDown(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakePool{}, &fakeWatcher{}, &fakeStats{}, failingLogStore{}, config.Config{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_GetStatus(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_jobs":2`)
	require.Contains(t, rec.Body.String(), "3m0s")
	require.Contains(t, rec.Body.String(), `"w1"`)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_GetStats(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":7`)
	require.Contains(t, rec.Body.String(), `"succeeded":5`)
}

func TestServer_GetJobLog_Found(t *testing.T) {
	t.Parallel()

	server, logStore := newTestServer(t, config.Config{})
	require.NoError(t, logStore.SaveLog(context.Background(), autoapply.AutomationLog{
		JobID:  "job-1",
		Result: autoapply.ProcessingResult{Success: true, ConfirmationID: "CONF-1"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/log", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "CONF-1")
}

func TestServer_GetJobLog_NotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing/log", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StopWorkers(t *testing.T) {
	t.Parallel()

	pool := &fakePool{}
	server := NewServer(pool, &fakeWatcher{}, &fakeStats{}, memory.NewLogStore(), config.Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, pool.stopped)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
