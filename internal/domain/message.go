package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role constants for chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one element of a multi-part message content block.
// Only text parts carry usable content; other kinds (image_url, audio)
// are rendered as placeholders during normalization.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageContent accepts both wire shapes OpenAI clients send for
// "content": a plain JSON string or an ordered list of content parts.
// When a client could be read either way, the part-list form wins.
type MessageContent struct {
	Text  string
	Parts []ContentPart

	// listForm records which wire shape was decoded, so re-encoding
	// round-trips the original request.
	listForm bool
}

// UnmarshalJSON decodes either a string or a part list.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = MessageContent{}
		return nil
	}
	if trimmed[0] == '[' {
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		*c = MessageContent{Parts: parts, listForm: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	*c = MessageContent{Text: s}
	return nil
}

// MarshalJSON re-encodes the shape that was decoded.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.listForm {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Flatten renders the content as a single string. Text parts are joined
// with newlines in list order; non-text parts become a bracketed
// placeholder so the agent knows something was elided.
func (c MessageContent) Flatten() string {
	if !c.listForm {
		return c.Text
	}
	rendered := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch {
		case p.Type == "text" || (p.Type == "" && p.Text != ""):
			rendered = append(rendered, p.Text)
		case p.Type != "":
			rendered = append(rendered, "["+p.Type+"]")
		}
	}
	return strings.Join(rendered, "\n")
}

// IsEmpty reports whether the content flattens to nothing.
func (c MessageContent) IsEmpty() bool {
	return strings.TrimSpace(c.Flatten()) == ""
}

// Message is one turn of an OpenAI-style conversation.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}
