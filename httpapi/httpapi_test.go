package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cronward/cronward/runtime/breaker"
	"github.com/cronward/cronward/runtime/cron"
	"github.com/cronward/cronward/runtime/events"
	"github.com/cronward/cronward/runtime/killswitch"
	"github.com/cronward/cronward/runtime/registry"
)

type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

func (b *breakerSet) Breaker(jobID string) *breaker.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[jobID]; ok {
		return br
	}
	br := breaker.New(breaker.DefaultConfig())
	b.breakers[jobID] = br
	return br
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *killswitch.Switch) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry"))
	require.NoError(t, err)
	ks := killswitch.New(reg, filepath.Join(dir, "killswitch.active"))
	breakers := &breakerSet{breakers: make(map[string]*breaker.Breaker)}
	ulidCounter := 0
	ulidGen := func() string { ulidCounter++; return fmt.Sprintf("run-%d", ulidCounter) }
	cronSvc := cron.New(cron.DefaultConfig(), reg, ks, breakers, events.NewBus(), time.Now, ulidGen)
	return NewServer(cronSvc, reg, ks, "test-token", prometheus.NewRegistry()), reg, ks
}

func doRequest(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireBearerAuthRejectsMissingAndWrongToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	rec := doRequest(t, r, http.MethodGet, "/api/cron/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, r, http.MethodGet, "/api/cron/jobs", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndListJobs(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	job := registry.Job{
		ID:         "job-1",
		Name:       "test job",
		TemplateID: "tmpl-1",
		Schedule:   registry.Schedule{Kind: registry.ScheduleEvery, Expression: "1h"},
		Enabled:    true,
	}
	rec := doRequest(t, r, http.MethodPost, "/api/cron/jobs/", "test-token", job)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, r, http.MethodGet, "/api/cron/jobs/", "test-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []registry.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "job-1", jobs[0].ID)
}

func TestUpdateJobRejectsUnknownID(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	rec := doRequest(t, r, http.MethodPatch, "/api/cron/jobs/missing/", "test-token", map[string]any{"enabled": false})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "JOB_NOT_FOUND", body["code"])
}

func TestKillSwitchActivateAndDeactivate(t *testing.T) {
	s, _, ks := newTestServer(t)
	r := s.Router()

	rec := doRequest(t, r, http.MethodPost, "/api/cron/kill-switch", "test-token", map[string]string{"action": "activate"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ks.IsActive())

	rec = doRequest(t, r, http.MethodPost, "/api/cron/kill-switch", "test-token", map[string]string{"action": "deactivate"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, ks.IsActive())

	rec = doRequest(t, r, http.MethodPost, "/api/cron/kill-switch", "test-token", map[string]string{"action": "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardOverviewCountsJobsByStatus(t *testing.T) {
	s, reg, _ := newTestServer(t)
	r := s.Router()

	require.NoError(t, reg.AddJob(registry.Job{ID: "a", Enabled: true, Status: registry.StatusArmed}))
	require.NoError(t, reg.AddJob(registry.Job{ID: "b", Enabled: true, Status: registry.StatusDisabled}))

	rec := doRequest(t, r, http.MethodGet, "/api/dashboard/overview", "test-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(2), body["totalJobs"])
}

func TestMetricsEndpointIsUnauthenticated(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	rec := doRequest(t, r, http.MethodGet, "/api/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
