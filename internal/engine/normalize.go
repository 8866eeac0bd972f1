package engine

import (
	"fmt"
	"strings"

	"claudeproxy/internal/domain"
)

// Prompt is the flattened form of a chat transcript, ready to hand to
// the agent CLI: one system string and one conversation string.
type Prompt struct {
	System string
	User   string
}

// Normalize flattens an OpenAI-style message list into a Prompt.
//
// System messages are concatenated in order. The remaining messages are
// rendered as a role-labelled transcript, except for the common
// single-user-message case where the text passes through verbatim so
// the agent sees exactly what the client sent.
func Normalize(messages []domain.Message) (Prompt, error) {
	const op = "engine.Normalize"

	var system []string
	var convo []string
	userOnly := true
	userContent := false

	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			if text := m.Content.Flatten(); text != "" {
				system = append(system, text)
			}
		case domain.RoleUser:
			if !m.Content.IsEmpty() {
				userContent = true
			}
			convo = append(convo, "User: "+m.Content.Flatten())
		case domain.RoleAssistant:
			userOnly = false
			text := m.Content.Flatten()
			if text == "" && len(m.ToolCalls) > 0 {
				text = renderToolCalls(m.ToolCalls)
			}
			convo = append(convo, "Assistant: "+text)
		case domain.RoleTool:
			userOnly = false
			convo = append(convo, renderToolResult(m))
		default:
			return Prompt{}, domain.NewDomainError(op, domain.ErrInvalidRequest,
				fmt.Sprintf("unknown role %q", m.Role))
		}
	}

	if !userContent {
		return Prompt{}, domain.NewDomainError(op, domain.ErrInvalidRequest,
			"no user content in messages")
	}

	p := Prompt{System: strings.Join(system, "\n")}
	if userOnly && len(convo) == 1 {
		p.User = strings.TrimPrefix(convo[0], "User: ")
	} else {
		p.User = strings.Join(convo, "\n\n")
	}

	if strings.TrimSpace(p.User) == "" {
		return Prompt{}, domain.NewDomainError(op, domain.ErrInvalidRequest,
			"empty prompt after normalization")
	}
	return p, nil
}

func renderToolCalls(calls []domain.ToolCall) string {
	var b strings.Builder
	for i, c := range calls {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[called tool %s with arguments %s]", c.Function.Name, c.Function.Arguments)
	}
	return b.String()
}

func renderToolResult(m domain.Message) string {
	label := m.Name
	if label == "" {
		label = m.ToolCallID
	}
	if label == "" {
		label = "tool"
	}
	return fmt.Sprintf("### Tool Result: %s\n%s", label, m.Content.Flatten())
}
