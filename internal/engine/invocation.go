package engine

import (
	"fmt"
	"strconv"

	"claudeproxy/internal/domain"
)

// Invocation is a fully resolved agent CLI command line.
type Invocation struct {
	Args     []string
	ToolMode bool // structured-output mode: tool definitions were supplied
	Stream   bool // effective streaming of the child's stdout
}

// BuildInvocation translates a normalized prompt into agent CLI
// arguments.
//
// Tool mode forces the consolidated json output format so the agent's
// structured output can be validated as a whole; streaming therefore
// only applies to tool-free requests. The line-delimited stream format
// requires the verbose flag or the CLI suppresses intermediate records.
func BuildInvocation(p Prompt, toolMode bool, maxTurns int, stream bool) (Invocation, error) {
	const op = "engine.BuildInvocation"

	if maxTurns <= 0 {
		return Invocation{}, domain.NewDomainError(op, domain.ErrUnsupportedConfig,
			fmt.Sprintf("max turns must be positive, got %d", maxTurns))
	}

	effStream := stream && !toolMode

	format := "json"
	if effStream {
		format = "stream-json"
	}

	args := []string{
		"-p",
		"--dangerously-skip-permissions",
		"--output-format", format,
		"--max-turns", strconv.Itoa(maxTurns),
	}
	if effStream {
		args = append(args, "--verbose")
	}
	if p.System != "" {
		args = append(args, "--append-system-prompt", p.System)
	}
	if toolMode {
		args = append(args, "--json-schema", toolResponseSchema)
	}
	args = append(args, p.User)

	return Invocation{Args: args, ToolMode: toolMode, Stream: effStream}, nil
}
