package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudeproxy/internal/domain"
	"claudeproxy/internal/infra/config"
)

// TestMain doubles as a fake agent binary: when FAKE_AGENT_SCRIPT is
// set the test binary plays the agent CLI role instead of running
// tests. Engine tests point Runner.Binary at os.Args[0] with that
// variable set, so every process-handling path runs against a real
// child process.
func TestMain(m *testing.M) {
	if script := os.Getenv("FAKE_AGENT_SCRIPT"); script != "" {
		fakeAgent(script)
		return
	}
	os.Exit(m.Run())
}

func fakeAgent(script string) {
	emit := func(line string) { fmt.Println(line) }

	switch script {
	case "stream-text":
		emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`)
		emit(`{"type":"content_block_delta","delta":{"text":" world"}}`)
		emit(`{"type":"result","result":"Hello world","usage":{"input_tokens":5,"output_tokens":2}}`)
	case "json-result":
		emit(`{"type":"result","result":"final answer","usage":{"input_tokens":7,"output_tokens":3}}`)
	case "no-usage":
		emit(`{"type":"result","result":"estimate me"}`)
	case "tool-calls":
		emit(`{"type":"result","result":"","structured_output":{"response_type":"tool_calls","content":"checking","tool_calls":[{"name":"get_weather","arguments":{"city":"Oslo"}}]}}`)
	case "garbage":
		emit(`this is not json`)
		emit(`neither is this`)
	case "fatal":
		emit(`{"type":"result","is_error":true,"result":"budget exhausted"}`)
	case "fail":
		fmt.Fprintln(os.Stderr, "agent exploded")
		os.Exit(3)
	case "partial-fail":
		emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`)
		os.Exit(2)
	case "silent-hang":
		time.Sleep(10 * time.Second)
	case "hang-after-text":
		emit(`{"type":"content_block_delta","delta":{"text":"started"}}`)
		time.Sleep(10 * time.Second)
	}
	os.Exit(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, script string, timeout time.Duration, auditor Auditor) *Engine {
	t.Helper()
	cfg := config.AgentConfig{
		Binary:   os.Args[0],
		Model:    "claude-code",
		MaxTurns: 10,
		Timeout:  timeout,
		Grace:    time.Second,
	}
	runner := &Runner{
		Binary: os.Args[0],
		Env:    append(os.Environ(), "FAKE_AGENT_SCRIPT="+script),
		Grace:  time.Second,
		Logger: discardLogger(),
	}
	return New(cfg, runner, discardLogger(), auditor)
}

func userRequest(text string) *domain.ChatRequest {
	return &domain.ChatRequest{
		Model:    "claude-code",
		Messages: []domain.Message{textMsg(domain.RoleUser, text)},
	}
}

func toolRequest(text string) *domain.ChatRequest {
	req := userRequest(text)
	req.Tools = []domain.ToolDefinition{weatherTool()}
	return req
}

func TestCompleteText(t *testing.T) {
	e := newTestEngine(t, "json-result", 30*time.Second, nil)
	completion, err := e.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "final answer", completion.Choices[0].Message.Content)
	assert.Equal(t, domain.FinishStop, completion.Choices[0].FinishReason)
	assert.Equal(t, 7, completion.Usage.PromptTokens)
	assert.Equal(t, 3, completion.Usage.CompletionTokens)
	assert.Equal(t, 10, completion.Usage.TotalTokens)
}

func TestCompleteEstimatesUsage(t *testing.T) {
	e := newTestEngine(t, "no-usage", 30*time.Second, nil)
	completion, err := e.Complete(context.Background(), userRequest("please estimate tokens"))
	require.NoError(t, err)

	assert.Positive(t, completion.Usage.PromptTokens)
	assert.Positive(t, completion.Usage.CompletionTokens)
	assert.Equal(t, completion.Usage.PromptTokens+completion.Usage.CompletionTokens, completion.Usage.TotalTokens)
}

func TestCompleteToolCalls(t *testing.T) {
	e := newTestEngine(t, "tool-calls", 30*time.Second, nil)
	completion, err := e.Complete(context.Background(), toolRequest("weather in Oslo?"))
	require.NoError(t, err)

	choice := completion.Choices[0]
	assert.Equal(t, domain.FinishToolCalls, choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	call := choice.Message.ToolCalls[0]
	assert.Equal(t, "get_weather", call.Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, call.Function.Arguments)
	assert.Equal(t, "checking", choice.Message.Content)
}

func TestCompleteAgentFailure(t *testing.T) {
	e := newTestEngine(t, "fail", 30*time.Second, nil)
	_, err := e.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Contains(t, err.Error(), "agent exploded")
}

func TestCompleteFatalResult(t *testing.T) {
	e := newTestEngine(t, "fatal", 30*time.Second, nil)
	_, err := e.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Contains(t, err.Error(), "budget exhausted")
}

func TestCompletePartialOutputAbnormal(t *testing.T) {
	e := newTestEngine(t, "partial-fail", 30*time.Second, nil)
	completion, err := e.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err, "partial output must not become an error")

	choice := completion.Choices[0]
	assert.Equal(t, "partial", choice.Message.Content)
	assert.Equal(t, domain.FinishAbnormal, choice.FinishReason)
}

func TestCompleteProtocolError(t *testing.T) {
	e := newTestEngine(t, "garbage", 30*time.Second, nil)
	_, err := e.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, domain.ErrAgentProtocol)
}

func TestCompleteTimeout(t *testing.T) {
	e := newTestEngine(t, "silent-hang", 300*time.Millisecond, nil)
	start := time.Now()
	_, err := e.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not wait for the full hang")
}

func TestCompleteTimeoutAfterTextAbnormal(t *testing.T) {
	e := newTestEngine(t, "hang-after-text", 300*time.Millisecond, nil)
	completion, err := e.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "started", completion.Choices[0].Message.Content)
	assert.Equal(t, domain.FinishAbnormal, completion.Choices[0].FinishReason)
}

func TestCompleteInvalidRequest(t *testing.T) {
	e := newTestEngine(t, "json-result", 30*time.Second, nil)
	_, err := e.Complete(context.Background(), &domain.ChatRequest{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestStreamDeltas(t *testing.T) {
	e := newTestEngine(t, "stream-text", 30*time.Second, nil)

	var chunks []domain.ChatCompletionChunk
	err := e.Stream(context.Background(), userRequest("hi"), func(c domain.ChatCompletionChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	assert.Equal(t, domain.RoleAssistant, chunks[0].Choices[0].Delta.Role, "first chunk announces the role")

	var text string
	for _, c := range chunks {
		text += c.Choices[0].Delta.Content
	}
	assert.Equal(t, "Hello world", text)

	last := chunks[len(chunks)-1].Choices[0]
	require.NotNil(t, last.FinishReason)
	assert.Equal(t, domain.FinishStop, *last.FinishReason)
	for _, c := range chunks[:len(chunks)-1] {
		assert.Nil(t, c.Choices[0].FinishReason)
	}
}

func TestStreamWithToolsConsolidates(t *testing.T) {
	e := newTestEngine(t, "tool-calls", 30*time.Second, nil)

	req := toolRequest("weather?")
	req.Stream = true

	var chunks []domain.ChatCompletionChunk
	err := e.Stream(context.Background(), req, func(c domain.ChatCompletionChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2, "role chunk plus one consolidated terminal chunk")

	terminal := chunks[1].Choices[0]
	require.NotNil(t, terminal.FinishReason)
	assert.Equal(t, domain.FinishToolCalls, *terminal.FinishReason)
	require.Len(t, terminal.Delta.ToolCalls, 1)
	assert.Equal(t, "get_weather", terminal.Delta.ToolCalls[0].Function.Name)
}

func TestStreamFailureBeforeOutput(t *testing.T) {
	e := newTestEngine(t, "fail", 30*time.Second, nil)

	var chunks []domain.ChatCompletionChunk
	err := e.Stream(context.Background(), userRequest("hi"), func(c domain.ChatCompletionChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Empty(t, chunks, "no chunks may be emitted when the run fails up front")
}

func TestStreamPartialThenFailureFinishesAbnormal(t *testing.T) {
	e := newTestEngine(t, "partial-fail", 30*time.Second, nil)

	var chunks []domain.ChatCompletionChunk
	err := e.Stream(context.Background(), userRequest("hi"), func(c domain.ChatCompletionChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err, "committed streams must not surface errors")
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1].Choices[0]
	require.NotNil(t, last.FinishReason)
	assert.Equal(t, domain.FinishAbnormal, *last.FinishReason)
}

func TestBreakerOpensAfterLaunchFailures(t *testing.T) {
	cfg := config.AgentConfig{
		Binary:   "/nonexistent/claude-agent-binary",
		Model:    "claude-code",
		MaxTurns: 10,
		Timeout:  time.Second,
		Breaker:  config.BreakerConfig{MaxFailures: 1, Timeout: time.Minute},
	}
	runner := &Runner{Binary: cfg.Binary, Logger: discardLogger()}
	e := New(cfg, runner, discardLogger(), nil)

	_, err := e.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)

	_, err = e.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Contains(t, err.Error(), "circuit open")
}

type captureAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (c *captureAuditor) Record(_ context.Context, e domain.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func TestCompleteRecordsAudit(t *testing.T) {
	auditor := &captureAuditor{}
	e := newTestEngine(t, "json-result", 30*time.Second, auditor)

	completion, err := e.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	require.Len(t, auditor.entries, 1)
	entry := auditor.entries[0]
	assert.Equal(t, completion.ID, entry.ID)
	assert.Equal(t, "claude-code", entry.Model)
	assert.Equal(t, domain.FinishStop, entry.FinishReason)
	assert.Equal(t, 0, entry.ExitCode)
	assert.False(t, entry.Stream)
}
