package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"prio-governor/internal/config"
	"prio-governor/internal/governor"
	"prio-governor/internal/host"
	"prio-governor/internal/policy"
	"prio-governor/internal/qos"
)

type fakeGovernor struct {
	report  *governor.Report
	queued  bool
	reloads []string
}

func (f *fakeGovernor) Stats() governor.Stats {
	return governor.Stats{Iterations: 9, Mode: "rules-only", ConfigChecksum: "c0ffee"}
}

func (f *fakeGovernor) Last() *governor.Report { return f.report }

func (f *fakeGovernor) Decisions() []governor.Record {
	if f.report == nil {
		return nil
	}
	return append([]governor.Record(nil), f.report.Records...)
}

func (f *fakeGovernor) Decision(id string) (governor.Record, bool) {
	for _, rec := range f.Decisions() {
		if rec.GroupID == id {
			return rec, true
		}
	}
	return governor.Record{}, false
}

func (f *fakeGovernor) RequestReload(reason string) bool {
	if f.queued {
		return false
	}
	f.queued = true
	f.reloads = append(f.reloads, reason)
	return true
}

func newFakeGovernor() *fakeGovernor {
	return &fakeGovernor{report: &governor.Report{
		Iteration: 9,
		Records: []governor.Record{
			{Decision: policy.Decision{GroupID: "g100", Name: "firefox", Class: qos.CritInteractive}, Stable: qos.CritInteractive},
			{Decision: policy.Decision{GroupID: "g300", Name: "backup", Class: qos.Idle}, Stable: qos.Idle},
		},
	}}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReadEndpoints(t *testing.T) {
	gov := newFakeGovernor()
	s := New(config.APIConfig{Listen: ":0"}, gov, &host.HostConfig{Hostname: "desk", PSI: true}, nil)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"config_checksum":"c0ffee"`)

	w = do(t, h, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var st governor.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, uint64(9), st.Iterations)

	w = do(t, h, http.MethodGet, "/api/v1/decisions")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	w = do(t, h, http.MethodGet, "/api/v1/decisions?class=IDLE")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(t, h, http.MethodGet, "/api/v1/decisions/g100")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"firefox"`)
	assert.Contains(t, w.Body.String(), `"stable_class":"CRIT_INTERACTIVE"`)

	w = do(t, h, http.MethodGet, "/api/v1/decisions/g999")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/host")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hostname":"desk"`)

	w = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportBeforeFirstIteration(t *testing.T) {
	s := New(config.APIConfig{}, &fakeGovernor{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v1/report").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v1/host").Code)
}

func TestReloadQueuesOnce(t *testing.T) {
	gov := newFakeGovernor()
	s := New(config.APIConfig{}, gov, nil, nil)

	assert.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/api/v1/reload").Code)
	assert.Equal(t, http.StatusConflict, do(t, s.Handler(), http.MethodPost, "/api/v1/reload").Code)
	assert.Equal(t, []string{"api"}, gov.reloads)
}

func TestMetricsServed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "test"})
	c.Add(2)
	reg.MustRegister(c)

	s := New(config.APIConfig{}, newFakeGovernor(), nil, reg)
	w := do(t, s.Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "probe_total 2"), w.Body.String())
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(rate.Limit(0.001), 2)
	defer rl.Stop()
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 2; i++ {
		if w := do(t, r, http.MethodGet, "/x"); w.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, w.Code)
		}
	}
	if w := do(t, r, http.MethodGet, "/x"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", w.Code)
	}
}
