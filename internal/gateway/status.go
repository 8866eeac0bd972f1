package gateway

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics holds request counters for the status endpoint.
type Metrics struct {
	requests atomic.Int64
	streams  atomic.Int64
	failures atomic.Int64
}

// RequestStarted increments the total request counter.
func (m *Metrics) RequestStarted() {
	if m != nil {
		m.requests.Add(1)
	}
}

// StreamStarted increments the streaming request counter.
func (m *Metrics) StreamStarted() {
	if m != nil {
		m.streams.Add(1)
	}
}

// RequestFailed increments the failure counter.
func (m *Metrics) RequestFailed() {
	if m != nil {
		m.failures.Add(1)
	}
}

// Requests returns the total request count.
func (m *Metrics) Requests() int64 {
	if m == nil {
		return 0
	}
	return m.requests.Load()
}

// Streams returns the streaming request count.
func (m *Metrics) Streams() int64 {
	if m == nil {
		return 0
	}
	return m.streams.Load()
}

// Failures returns the failed request count.
func (m *Metrics) Failures() int64 {
	if m == nil {
		return 0
	}
	return m.failures.Load()
}

// HealthReporter exposes the agent binary probe state.
type HealthReporter interface {
	Healthy() bool
	Version() string
}

// StatusHandler serves liveness and operational status endpoints.
type StatusHandler struct {
	metrics *Metrics
	probe   HealthReporter // nil when the probe is disabled
	model   string
	started time.Time
}

// NewStatusHandler creates the status endpoints handler.
func NewStatusHandler(metrics *Metrics, probe HealthReporter, model string) *StatusHandler {
	return &StatusHandler{metrics: metrics, probe: probe, model: model, started: time.Now()}
}

// Routes registers /healthz and /api/v1/status on mux.
func (s *StatusHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
}

func (s *StatusHandler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.probe != nil && !s.probe.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type statusResponse struct {
	Status        string `json:"status"`
	Model         string `json:"model"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Requests      int64  `json:"requests"`
	Streams       int64  `json:"streams"`
	Failures      int64  `json:"failures"`
	AgentHealthy  *bool  `json:"agent_healthy,omitempty"`
	AgentVersion  string `json:"agent_version,omitempty"`
}

func (s *StatusHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:        "ok",
		Model:         s.model,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Requests:      s.metrics.Requests(),
		Streams:       s.metrics.Streams(),
		Failures:      s.metrics.Failures(),
	}
	if s.probe != nil {
		healthy := s.probe.Healthy()
		resp.AgentHealthy = &healthy
		resp.AgentVersion = s.probe.Version()
		if !healthy {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
