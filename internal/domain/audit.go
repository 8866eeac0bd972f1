package domain

import "time"

// AuditEntry is one completed request in the audit log. Prompt and
// response bodies are deliberately not stored.
type AuditEntry struct {
	ID               string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	ExitCode         int
	Stream           bool
	ToolCalls        int
	CreatedAt        time.Time
}
