package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"claudeproxy/internal/domain"
)

// Assembler accumulates agent events for one request and renders them
// as OpenAI completion objects. All chunks and the final completion
// share the same id, model and created timestamp.
type Assembler struct {
	ID      string
	Model   string
	created int64

	parts      []string
	result     string
	structured json.RawMessage
	usage      *domain.Usage
}

// NewAssembler creates an assembler with a fresh completion id.
func NewAssembler(model string) *Assembler {
	return &Assembler{
		ID:      "chatcmpl-" + ulid.Make().String(),
		Model:   model,
		created: time.Now().Unix(),
	}
}

// Observe folds one event into the accumulated state. Tool-use events
// from the agent's own internal tooling are deliberately not collected;
// client-facing tool calls only ever arrive through structured output.
func (a *Assembler) Observe(ev domain.AgentEvent) {
	switch ev.Kind {
	case domain.EventTextDelta:
		a.parts = append(a.parts, ev.Text)
	case domain.EventTurnComplete:
		a.result = ev.Result
		a.structured = ev.Structured
		if ev.Usage != nil {
			a.usage = ev.Usage
		}
	}
}

// Text returns the concatenated delta text, in arrival order.
func (a *Assembler) Text() string {
	return strings.Join(a.parts, "")
}

// TextSeen reports whether any delta text arrived.
func (a *Assembler) TextSeen() bool { return len(a.parts) > 0 }

// Content returns the response text: accumulated deltas when any were
// seen, else the consolidated result. The result record repeats text
// already streamed as deltas, so it only serves as a fallback.
func (a *Assembler) Content() string {
	if a.TextSeen() {
		return a.Text()
	}
	return a.result
}

// Structured returns the raw structured-output document, if any.
func (a *Assembler) Structured() json.RawMessage { return a.structured }

// AgentUsage returns the usage the agent itself reported, or nil.
func (a *Assembler) AgentUsage() *domain.Usage { return a.usage }

// Completion renders the terminal non-streaming response.
func (a *Assembler) Completion(content string, calls []domain.ToolCall, finish string, usage domain.Usage) *domain.ChatCompletion {
	return &domain.ChatCompletion{
		ID:      a.ID,
		Object:  domain.ObjectChatCompletion,
		Created: a.created,
		Model:   a.Model,
		Choices: []domain.Choice{{
			Index: 0,
			Message: domain.AssistantMessage{
				Role:      domain.RoleAssistant,
				Content:   content,
				ToolCalls: calls,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// RoleChunk is the first streaming chunk, announcing the assistant role.
func (a *Assembler) RoleChunk() domain.ChatCompletionChunk {
	return a.chunk(domain.ChunkDelta{Role: domain.RoleAssistant}, nil)
}

// ContentChunk wraps one text fragment.
func (a *Assembler) ContentChunk(text string) domain.ChatCompletionChunk {
	return a.chunk(domain.ChunkDelta{Content: text}, nil)
}

// ConsolidatedChunk carries a full message in a single chunk, used when
// a streaming client supplied tools and the response cannot be produced
// incrementally.
func (a *Assembler) ConsolidatedChunk(content string, calls []domain.ToolCall, finish string) domain.ChatCompletionChunk {
	return a.chunk(domain.ChunkDelta{Content: content, ToolCalls: calls}, &finish)
}

// FinishChunk is the terminal streaming chunk with an empty delta.
func (a *Assembler) FinishChunk(finish string) domain.ChatCompletionChunk {
	return a.chunk(domain.ChunkDelta{}, &finish)
}

func (a *Assembler) chunk(delta domain.ChunkDelta, finish *string) domain.ChatCompletionChunk {
	return domain.ChatCompletionChunk{
		ID:      a.ID,
		Object:  domain.ObjectChunk,
		Created: a.created,
		Model:   a.Model,
		Choices: []domain.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}
