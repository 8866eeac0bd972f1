package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter emits server-sent events for a streaming completion.
// Response headers are written lazily on the first event so a failure
// before any output can still produce a proper error status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// Started reports whether any event has been written.
func (s *sseWriter) Started() bool { return s.started }

// WriteChunk serializes one chunk as a data frame.
func (s *sseWriter) WriteChunk(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.writeFrame(payload)
}

// WriteDone emits the terminal [DONE] sentinel frame.
func (s *sseWriter) WriteDone() error {
	return s.writeFrame([]byte("[DONE]"))
}

func (s *sseWriter) writeFrame(payload []byte) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
