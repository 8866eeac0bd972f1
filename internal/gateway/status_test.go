package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProbe struct {
	healthy bool
	version string
}

func (s stubProbe) Healthy() bool   { return s.healthy }
func (s stubProbe) Version() string { return s.version }

func statusGet(t *testing.T, handler *StatusHandler, path string) (*httptest.ResponseRecorder, statusResponse) {
	t.Helper()
	mux := http.NewServeMux()
	handler.Routes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp statusResponse
	if path != "/healthz" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealthz(t *testing.T) {
	h := NewStatusHandler(&Metrics{}, nil, "claude-code")
	rec, _ := statusGet(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusCounters(t *testing.T) {
	metrics := &Metrics{}
	metrics.RequestStarted()
	metrics.RequestStarted()
	metrics.StreamStarted()
	metrics.RequestFailed()

	h := NewStatusHandler(metrics, nil, "claude-code")
	rec, resp := statusGet(t, h, "/api/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "claude-code", resp.Model)
	assert.EqualValues(t, 2, resp.Requests)
	assert.EqualValues(t, 1, resp.Streams)
	assert.EqualValues(t, 1, resp.Failures)
	assert.Nil(t, resp.AgentHealthy, "no probe wired")
}

func TestStatusWithProbe(t *testing.T) {
	h := NewStatusHandler(&Metrics{}, stubProbe{healthy: true, version: "1.2.3"}, "claude-code")
	_, resp := statusGet(t, h, "/api/v1/status")
	require.NotNil(t, resp.AgentHealthy)
	assert.True(t, *resp.AgentHealthy)
	assert.Equal(t, "1.2.3", resp.AgentVersion)
	assert.Equal(t, "ok", resp.Status)
}

func TestStatusDegradedWhenProbeUnhealthy(t *testing.T) {
	h := NewStatusHandler(&Metrics{}, stubProbe{healthy: false}, "claude-code")
	_, resp := statusGet(t, h, "/api/v1/status")
	assert.Equal(t, "degraded", resp.Status)
	require.NotNil(t, resp.AgentHealthy)
	assert.False(t, *resp.AgentHealthy)

	rec, _ := statusGet(t, h, "/healthz")
	assert.JSONEq(t, `{"status":"degraded"}`, rec.Body.String())
}
