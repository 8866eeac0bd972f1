package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"

	"claudeproxy/internal/domain"
)

// toolResponseSchema constrains the agent's structured output in tool
// mode: the agent must declare whether it is answering with text or
// requesting tool invocations.
const toolResponseSchema = `{
  "type": "object",
  "properties": {
    "response_type": {"type": "string", "enum": ["text", "tool_calls"]},
    "content": {"type": "string"},
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "arguments": {"type": "object"}
        },
        "required": ["name", "arguments"]
      }
    }
  },
  "required": ["response_type"]
}`

// ValidateToolDefs checks tool definitions at admission: every tool
// needs a unique function name, and any parameter schema must itself be
// a compilable JSON Schema. Argument payloads are never validated here;
// that responsibility stays with the client that executes the tool.
func ValidateToolDefs(tools []domain.ToolDefinition) error {
	const op = "engine.ValidateToolDefs"

	compiler := jsonschema.NewCompiler()
	seen := make(map[string]bool, len(tools))

	for i, t := range tools {
		if t.Type != "" && t.Type != "function" {
			return domain.NewDomainError(op, domain.ErrInvalidRequest,
				fmt.Sprintf("tools[%d]: unsupported tool type %q", i, t.Type))
		}
		name := t.Function.Name
		if name == "" {
			return domain.NewDomainError(op, domain.ErrInvalidRequest,
				fmt.Sprintf("tools[%d]: function name is required", i))
		}
		if seen[name] {
			return domain.NewDomainError(op, domain.ErrInvalidRequest,
				fmt.Sprintf("tools[%d]: duplicate function name %q", i, name))
		}
		seen[name] = true

		if len(t.Function.Parameters) > 0 {
			if _, err := compiler.Compile(t.Function.Parameters); err != nil {
				return domain.NewDomainError(op, domain.ErrInvalidRequest,
					fmt.Sprintf("tools[%d] (%s): invalid parameter schema: %v", i, name, err))
			}
		}
	}
	return nil
}

// BuildToolPrompt renders the tool definitions as a markdown block
// appended to the system prompt, instructing the agent how to request
// tool invocations through its structured output.
func BuildToolPrompt(tools []domain.ToolDefinition) string {
	var b strings.Builder

	b.WriteString("## Available External Tools\n\n")
	b.WriteString("You have access to the following external tools. ")
	b.WriteString("You cannot execute them yourself; the caller executes them and sends back the results.\n\n")

	for _, t := range tools {
		fmt.Fprintf(&b, "### %s\n", t.Function.Name)
		if t.Function.Description != "" {
			b.WriteString(t.Function.Description)
			b.WriteString("\n")
		}
		if len(t.Function.Parameters) > 0 {
			fmt.Fprintf(&b, "Parameters (JSON Schema): %s\n", compactJSON(t.Function.Parameters))
		}
		b.WriteString("\n")
	}

	b.WriteString("When you need a tool, respond with response_type \"tool_calls\" ")
	b.WriteString("and list each call's name and arguments. ")
	b.WriteString("When you can answer directly, respond with response_type \"text\" ")
	b.WriteString("and put your answer in content.")

	return b.String()
}

// structuredResponse mirrors toolResponseSchema.
type structuredResponse struct {
	ResponseType string `json:"response_type"`
	Content      string `json:"content"`
	ToolCalls    []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
}

// ParseStructuredOutput interprets the agent's structured output
// document. A missing or unparseable document degrades to the fallback
// text rather than failing the request: the agent answered, just not in
// the constrained shape.
func ParseStructuredOutput(structured json.RawMessage, fallback string) (string, []domain.ToolCall) {
	if len(structured) == 0 {
		return fallback, nil
	}

	var resp structuredResponse
	if err := json.Unmarshal(structured, &resp); err != nil {
		return fallback, nil
	}

	if resp.ResponseType == "tool_calls" && len(resp.ToolCalls) > 0 {
		calls := make([]domain.ToolCall, 0, len(resp.ToolCalls))
		for _, c := range resp.ToolCalls {
			args := "{}"
			if len(c.Arguments) > 0 {
				args = string(compactJSON(c.Arguments))
			}
			calls = append(calls, domain.ToolCall{
				ID:   "call_" + ulid.Make().String(),
				Type: "function",
				Function: domain.ToolCallFunction{
					Name:      c.Name,
					Arguments: args,
				},
			})
		}
		return resp.Content, calls
	}

	if resp.Content != "" {
		return resp.Content, nil
	}
	return fallback, nil
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
