package domain

import "encoding/json"

// EventKind discriminates AgentEvent variants. The set is closed: the
// parser maps every line it sees to exactly one kind, and anything it
// cannot interpret becomes EventIgnored rather than being dropped.
type EventKind int

const (
	// EventIgnored marks a blank, malformed, or unknown-kind line.
	EventIgnored EventKind = iota
	// EventTextDelta carries an assistant text fragment.
	EventTextDelta
	// EventToolCall carries an assistant request to invoke a tool.
	EventToolCall
	// EventTurnComplete marks the end of the agent's turn, optionally
	// carrying the consolidated result text, structured output and usage.
	EventTurnComplete
	// EventFatalError carries an error the agent itself reported.
	EventFatalError
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCall:
		return "tool_call"
	case EventTurnComplete:
		return "turn_complete"
	case EventFatalError:
		return "fatal_error"
	default:
		return "ignored"
	}
}

// AgentEvent is one decoded record of the agent's line-delimited output
// stream. Which fields are meaningful depends on Kind; events arrive in
// the exact order the process emitted them and later text deltas must be
// concatenated in arrival order.
type AgentEvent struct {
	Kind EventKind

	// EventTextDelta.
	Text string

	// EventToolCall.
	CallID   string
	CallName string
	CallArgs json.RawMessage

	// EventTurnComplete. Result holds the agent's consolidated final
	// text (non-streaming output format); Structured holds the raw
	// structured-output document in tool mode.
	Result     string
	Structured json.RawMessage
	Usage      *Usage

	// EventFatalError.
	Message string
}
