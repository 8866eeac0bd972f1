package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"

	"claudeproxy/internal/domain"
)

// agentRecord is the wire shape of one line of the agent's
// line-delimited JSON output. Only the fields the proxy interprets are
// declared; unknown fields pass through json.Unmarshal untouched.
type agentRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// Content is either a plain string or a list of content blocks;
	// both forms appear on the wire.
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`

	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`

	Result           string          `json:"result"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	IsError          bool            `json:"is_error"`

	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Parser decodes the agent's output stream line by line. It is
// stateless across lines apart from counters, so feeding the same line
// twice yields the same events twice.
type Parser struct {
	Interpreted int // lines that produced at least one non-ignored event
	Malformed   int // lines that were not valid JSON records
}

// Parse decodes one line into zero or more events. Blank lines,
// malformed JSON and unknown record types yield a single EventIgnored
// so callers can count them without branching.
func (p *Parser) Parse(line string) []domain.AgentEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return []domain.AgentEvent{{Kind: domain.EventIgnored}}
	}

	var rec agentRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		p.Malformed++
		return []domain.AgentEvent{{Kind: domain.EventIgnored}}
	}

	events := p.interpret(rec)
	for _, ev := range events {
		if ev.Kind != domain.EventIgnored {
			p.Interpreted++
			break
		}
	}
	return events
}

func (p *Parser) interpret(rec agentRecord) []domain.AgentEvent {
	switch rec.Type {
	case "assistant":
		return assistantEvents(rec)

	case "content_block_delta":
		if rec.Delta.Text == "" {
			return []domain.AgentEvent{{Kind: domain.EventIgnored}}
		}
		return []domain.AgentEvent{{Kind: domain.EventTextDelta, Text: rec.Delta.Text}}

	case "result":
		if rec.IsError {
			msg := rec.Result
			if msg == "" {
				msg = rec.Subtype
			}
			return []domain.AgentEvent{{Kind: domain.EventFatalError, Message: msg}}
		}
		ev := domain.AgentEvent{
			Kind:       domain.EventTurnComplete,
			Result:     rec.Result,
			Structured: rec.StructuredOutput,
		}
		if rec.Usage != nil {
			ev.Usage = &domain.Usage{
				PromptTokens:     rec.Usage.InputTokens,
				CompletionTokens: rec.Usage.OutputTokens,
				TotalTokens:      rec.Usage.InputTokens + rec.Usage.OutputTokens,
			}
		}
		return []domain.AgentEvent{ev}

	default:
		return []domain.AgentEvent{{Kind: domain.EventIgnored}}
	}
}

// assistantEvents flattens an assistant record's content. String-form
// content becomes a single text delta; block-list content can carry
// both text and tool-use blocks, so one line may yield several events,
// in block order.
func assistantEvents(rec agentRecord) []domain.AgentEvent {
	ignored := []domain.AgentEvent{{Kind: domain.EventIgnored}}

	raw := bytes.TrimSpace(rec.Message.Content)
	if len(raw) == 0 {
		return ignored
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil || text == "" {
			return ignored
		}
		return []domain.AgentEvent{{Kind: domain.EventTextDelta, Text: text}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ignored
	}

	var events []domain.AgentEvent
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, domain.AgentEvent{
					Kind: domain.EventTextDelta,
					Text: block.Text,
				})
			}
		case "tool_use":
			id := block.ID
			if id == "" {
				id = "call_" + ulid.Make().String()
			}
			events = append(events, domain.AgentEvent{
				Kind:     domain.EventToolCall,
				CallID:   id,
				CallName: block.Name,
				CallArgs: block.Input,
			})
		}
	}
	if len(events) == 0 {
		return []domain.AgentEvent{{Kind: domain.EventIgnored}}
	}
	return events
}
