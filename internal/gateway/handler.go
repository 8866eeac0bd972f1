package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"claudeproxy/internal/domain"
)

// Completer is the engine surface the gateway depends on.
type Completer interface {
	Model() string
	Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatCompletion, error)
	Stream(ctx context.Context, req *domain.ChatRequest, emit func(domain.ChatCompletionChunk) error) error
}

// maxBodyBytes bounds request bodies. Chat transcripts are text; 10 MiB
// is generous.
const maxBodyBytes = 10 << 20

// Handler serves the OpenAI-compatible API surface.
type Handler struct {
	engine  Completer
	logger  *slog.Logger
	metrics *Metrics
	started time.Time
}

// NewHandler creates the API handler.
func NewHandler(engine Completer, logger *slog.Logger, metrics *Metrics) *Handler {
	return &Handler{engine: engine, logger: logger, metrics: metrics, started: time.Now()}
}

// Routes registers the handler's endpoints on mux. Both the /v1-prefixed
// and bare paths are served; some OpenAI clients construct one, some the
// other.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", h.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", h.handleModels)
	mux.HandleFunc("GET /models", h.handleModels)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.metrics.RequestStarted()
	start := time.Now()

	var req domain.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.fail(w, domain.NewDomainError("gateway.decode", domain.ErrInvalidRequest,
			fmt.Sprintf("malformed request body: %v", err)))
		return
	}

	if req.Stream {
		h.metrics.StreamStarted()
		h.serveStream(w, r, &req, start)
		return
	}

	completion, err := h.engine.Complete(r.Context(), &req)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info("completion served",
		"id", completion.ID,
		"finish", completion.Choices[0].FinishReason,
		"latency", time.Since(start).Round(time.Millisecond))
	writeJSON(w, http.StatusOK, completion)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, req *domain.ChatRequest, start time.Time) {
	sse := newSSEWriter(w)

	err := h.engine.Stream(r.Context(), req, func(chunk domain.ChatCompletionChunk) error {
		return sse.WriteChunk(chunk)
	})
	if err != nil {
		if sse.Started() {
			// Status already committed; the engine has emitted a
			// terminal chunk where it could.
			h.logger.Warn("stream ended with error after start", "error", err)
			return
		}
		h.fail(w, err)
		return
	}
	if !sse.Started() {
		// Engine emitted nothing: client vanished before the first chunk.
		return
	}
	if err := sse.WriteDone(); err != nil {
		h.logger.Debug("client closed stream before DONE", "error", err)
		return
	}

	h.logger.Info("stream served", "latency", time.Since(start).Round(time.Millisecond))
}

func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := domain.ModelList{
		Object: domain.ObjectList,
		Data: []domain.ModelInfo{{
			ID:      h.engine.Model(),
			Object:  domain.ObjectModel,
			Created: h.started.Unix(),
			OwnedBy: "claudeproxy",
		}},
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.metrics.RequestFailed()
	h.logger.Error("request failed",
		"code", domain.ErrorCodeOf(err),
		"status", domain.HTTPStatusOf(err),
		"error", err)
	writeError(w, err)
}

// errorBody is the OpenAI-style error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatusOf(err)
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: err.Error(),
		Type:    errorType(status),
		Code:    string(domain.ErrorCodeOf(err)),
	}})
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
