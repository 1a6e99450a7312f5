package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/tend/internal/health"
	"github.com/MrSnakeDoc/tend/internal/httpserver/deps"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/metrics"
	"github.com/MrSnakeDoc/tend/internal/status"
)

func testDeps(t *testing.T) deps.Deps {
	t.Helper()
	reg := status.NewRegistry()
	reg.Update(status.Service{Service: "web", ServiceGroup: "web.default", State: "running"})
	reg.SetConfig("web", map[string]any{"port": 8080})
	reg.Cell("web").Set(health.Result{Status: health.Warning, Output: "slow", At: time.Now()})
	reg.Update(status.Service{Service: "db", ServiceGroup: "db.default", State: "uninitialized"})

	return deps.Deps{
		Logger:        logger.New("error", false),
		StartTime:     time.Now(),
		Registry:      reg,
		CensusBackend: "memory",
		ReloadTrigger: make(chan struct{}, 1),
		ReloadLimit:   deps.ReloadLimit{PerMinute: 60, Burst: 5},
	}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndReadyz(t *testing.T) {
	d := testDeps(t)
	ready := false
	d.Ready = func() bool { return ready }
	r := NewRouter(d)

	rec := do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"services":2`)

	rec = do(t, r, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = do(t, r, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServicesEndpoints(t *testing.T) {
	r := NewRouter(testDeps(t))

	rec := do(t, r, http.MethodGet, "/services")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []status.Service
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "db", list[0].Service)

	rec = do(t, r, http.MethodGet, "/services/web")
	require.Equal(t, http.StatusOK, rec.Code)
	var svc status.Service
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &svc))
	assert.Equal(t, "running", svc.State)
	require.NotNil(t, svc.Health)
	assert.Equal(t, health.Warning, svc.Health.Status)

	rec = do(t, r, http.MethodGet, "/services/web/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"warning"`)

	rec = do(t, r, http.MethodGet, "/services/db/health")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no check has run yet")

	rec = do(t, r, http.MethodGet, "/services/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServiceConfigRedaction(t *testing.T) {
	d := testDeps(t)
	d.RedactConfig = true
	rec := do(t, NewRouter(d), http.MethodGet, "/services/web/config")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	d.RedactConfig = false
	rec = do(t, NewRouter(d), http.MethodGet, "/services/web/config")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"port":8080}`, rec.Body.String())
}

func TestReloadTriggersOnce(t *testing.T) {
	d := testDeps(t)
	r := NewRouter(d)

	rec := do(t, r, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, r, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "a tick is already pending")

	<-d.ReloadTrigger
	rec = do(t, r, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestReloadRateLimited(t *testing.T) {
	d := testDeps(t)
	d.ReloadLimit = deps.ReloadLimit{PerMinute: 1, Burst: 1}
	r := NewRouter(d)

	rec := do(t, r, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	<-d.ReloadTrigger

	rec = do(t, r, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAllowedCIDRs(t *testing.T) {
	d := testDeps(t)
	d.AllowedCIDRS = []string{"192.168.0.0/16"}
	r := NewRouter(d)

	rec := do(t, r, http.MethodGet, "/services")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness is never filtered")
}

func TestMetricsEndpoint(t *testing.T) {
	d := testDeps(t)
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)
	sink.Restart("web")
	d.Gatherer = reg

	rec := do(t, NewRouter(d), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `tend_restarts_total{service="web"} 1`))
}

func TestInfra(t *testing.T) {
	rec := do(t, NewRouter(testDeps(t)), http.MethodGet, "/infra")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode       string `json:"mode"`
		Components map[string]struct {
			OK     bool           `json:"ok"`
			States map[string]int `json:"states"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "optimal", body.Mode)
	assert.Equal(t, 1, body.Components["services"].States["running"])
}
