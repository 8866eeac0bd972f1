package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"claudeproxy/internal/domain"
	"claudeproxy/internal/infra/config"
	"claudeproxy/internal/infra/tracer"
)

// Auditor records completed requests. Implementations must tolerate
// being called from concurrent requests.
type Auditor interface {
	Record(ctx context.Context, e domain.AuditEntry) error
}

// Engine drives one agent process per chat completion request and
// translates its output into OpenAI response objects.
type Engine struct {
	cfg     config.AgentConfig
	runner  *Runner
	breaker *gobreaker.CircuitBreaker[*Process]
	logger  *slog.Logger
	auditor Auditor // nil disables auditing
}

// New builds an Engine. The circuit breaker guards process launches
// only: once a process has started, its output is consumed to the end
// regardless of breaker state.
func New(cfg config.AgentConfig, runner *Runner, logger *slog.Logger, auditor Auditor) *Engine {
	settings := gobreaker.Settings{
		Name:     "agent-launcher",
		Interval: cfg.Breaker.Interval,
		Timeout:  cfg.Breaker.Timeout,
	}
	if cfg.Breaker.MaxFailures > 0 {
		threshold := cfg.Breaker.MaxFailures
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	return &Engine{
		cfg:     cfg,
		runner:  runner,
		breaker: gobreaker.NewCircuitBreaker[*Process](settings),
		logger:  logger,
		auditor: auditor,
	}
}

// Model returns the cosmetic model name used in responses.
func (e *Engine) Model() string { return e.cfg.Model }

// Complete serves a non-streaming chat completion.
func (e *Engine) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatCompletion, error) {
	const op = "engine.Complete"
	ctx, span := tracer.StartSpan(ctx, "chat.complete")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("model", e.cfg.Model),
		tracer.IntAttr("tools", len(req.Tools)),
	)

	start := time.Now()
	prompt, inv, err := e.prepare(op, req, false)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	out, err := e.run(ctx, op, inv, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	content := out.asm.Content()
	var calls []domain.ToolCall
	if inv.ToolMode {
		content, calls = ParseStructuredOutput(out.asm.Structured(), content)
	}

	finish, err := e.classify(op, out, content, calls)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	usage := e.usage(out.asm, prompt, content)
	completion := out.asm.Completion(content, calls, finish, usage)
	e.audit(ctx, completion.ID, finish, usage, time.Since(start), out.exitCode, false, len(calls))
	tracer.SetOK(span)
	return completion, nil
}

// Stream serves a streaming chat completion, invoking emit for every
// chunk in order. When tools are supplied the agent must run in
// consolidated output mode, so the whole answer arrives as a single
// terminal chunk rather than being rejected.
//
// Once any chunk has been emitted the response status is committed;
// later failures degrade to a terminal chunk with an abnormal finish
// reason instead of returning an error.
func (e *Engine) Stream(ctx context.Context, req *domain.ChatRequest, emit func(domain.ChatCompletionChunk) error) error {
	const op = "engine.Stream"
	ctx, span := tracer.StartSpan(ctx, "chat.stream")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("model", e.cfg.Model),
		tracer.IntAttr("tools", len(req.Tools)),
	)

	start := time.Now()
	prompt, inv, err := e.prepare(op, req, true)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}

	if !inv.Stream {
		err := e.streamConsolidated(ctx, op, start, prompt, inv, emit)
		if err != nil {
			tracer.RecordError(span, err)
			return err
		}
		tracer.SetOK(span)
		return nil
	}

	asm := NewAssembler(e.cfg.Model)
	emitted := false
	clientGone := false

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	onDelta := func(text string) error {
		if clientGone {
			return nil
		}
		if !emitted {
			if err := emit(asm.RoleChunk()); err != nil {
				clientGone = true
				cancel()
				return nil
			}
			emitted = true
		}
		if err := emit(asm.ContentChunk(text)); err != nil {
			clientGone = true
			cancel()
		}
		return nil
	}

	out, err := e.runWith(runCtx, op, inv, asm, onDelta)
	if err != nil {
		if emitted {
			e.logger.Warn("stream failed after output began", "id", asm.ID, "error", err)
			_ = emit(asm.FinishChunk(domain.FinishAbnormal))
			tracer.SetOK(span)
			return nil
		}
		tracer.RecordError(span, err)
		return err
	}
	if clientGone {
		e.logger.Debug("client disconnected mid-stream", "id", asm.ID)
		return nil
	}

	content := out.asm.Content()
	finish, cerr := e.classify(op, out, content, nil)
	if cerr != nil {
		if emitted {
			e.logger.Warn("stream failed after output began", "id", asm.ID, "error", cerr)
			_ = emit(asm.FinishChunk(domain.FinishAbnormal))
			tracer.SetOK(span)
			return nil
		}
		tracer.RecordError(span, cerr)
		return cerr
	}

	if !emitted {
		if err := emit(asm.RoleChunk()); err != nil {
			return nil
		}
		// The agent produced no deltas but the result record carried
		// text; send it as one content chunk so the client gets it.
		if content != "" {
			if err := emit(asm.ContentChunk(content)); err != nil {
				return nil
			}
		}
	}
	if err := emit(asm.FinishChunk(finish)); err != nil {
		return nil
	}

	usage := e.usage(out.asm, prompt, content)
	e.audit(ctx, asm.ID, finish, usage, time.Since(start), out.exitCode, true, 0)
	tracer.SetOK(span)
	return nil
}

// streamConsolidated handles tools+stream: one run in consolidated
// output mode, delivered as a role chunk plus one terminal chunk.
func (e *Engine) streamConsolidated(ctx context.Context, op string, start time.Time, prompt Prompt, inv Invocation, emit func(domain.ChatCompletionChunk) error) error {
	out, err := e.run(ctx, op, inv, nil)
	if err != nil {
		return err
	}

	content := out.asm.Content()
	content, calls := ParseStructuredOutput(out.asm.Structured(), content)

	finish, err := e.classify(op, out, content, calls)
	if err != nil {
		return err
	}

	if err := emit(out.asm.RoleChunk()); err != nil {
		return nil
	}
	if err := emit(out.asm.ConsolidatedChunk(content, calls, finish)); err != nil {
		return nil
	}

	usage := e.usage(out.asm, prompt, content)
	e.audit(ctx, out.asm.ID, finish, usage, time.Since(start), out.exitCode, true, len(calls))
	return nil
}

// prepare validates the request and builds the CLI invocation.
func (e *Engine) prepare(op string, req *domain.ChatRequest, stream bool) (Prompt, Invocation, error) {
	if len(req.Messages) == 0 {
		return Prompt{}, Invocation{}, domain.NewDomainError(op, domain.ErrInvalidRequest, "messages must not be empty")
	}
	if err := ValidateToolDefs(req.Tools); err != nil {
		return Prompt{}, Invocation{}, err
	}

	prompt, err := Normalize(req.Messages)
	if err != nil {
		return Prompt{}, Invocation{}, err
	}

	toolMode := len(req.Tools) > 0
	if toolMode {
		toolBlock := BuildToolPrompt(req.Tools)
		if prompt.System == "" {
			prompt.System = toolBlock
		} else {
			prompt.System = prompt.System + "\n\n" + toolBlock
		}
	}

	inv, err := BuildInvocation(prompt, toolMode, e.cfg.MaxTurns, stream)
	if err != nil {
		return Prompt{}, Invocation{}, err
	}
	return prompt, inv, nil
}

// outcome is the raw result of one agent run, before classification.
type outcome struct {
	asm      *Assembler
	parser   *Parser
	exitCode int
	waitErr  error
	timedOut bool
	fatal    string
	stderr   string
}

// run launches and fully consumes one agent process.
func (e *Engine) run(ctx context.Context, op string, inv Invocation, onDelta func(string) error) (*outcome, error) {
	return e.runWith(ctx, op, inv, NewAssembler(e.cfg.Model), onDelta)
}

func (e *Engine) runWith(ctx context.Context, op string, inv Invocation, asm *Assembler, onDelta func(string) error) (*outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	proc, err := e.launch(runCtx, op, inv)
	if err != nil {
		return nil, err
	}

	out := &outcome{asm: asm, parser: &Parser{}}
	for line := range proc.Lines() {
		for _, ev := range out.parser.Parse(line) {
			asm.Observe(ev)
			switch ev.Kind {
			case domain.EventFatalError:
				out.fatal = ev.Message
			case domain.EventTextDelta:
				if onDelta != nil {
					if derr := onDelta(ev.Text); derr != nil {
						cancel()
					}
				}
			}
		}
	}

	out.waitErr = proc.Wait()
	out.exitCode = proc.ExitCode()
	out.stderr = proc.Stderr()
	out.timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)

	e.logger.Debug("agent run finished",
		"exit_code", out.exitCode,
		"interpreted", out.parser.Interpreted,
		"malformed", out.parser.Malformed,
		"timed_out", out.timedOut)
	return out, nil
}

func (e *Engine) launch(ctx context.Context, op string, inv Invocation) (*Process, error) {
	proc, err := e.breaker.Execute(func() (*Process, error) {
		return e.runner.Start(ctx, inv.Args)
	})
	switch {
	case err == nil:
		return proc, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, domain.NewDomainError(op, domain.ErrAgentExecution, "agent launcher circuit open")
	default:
		return nil, domain.NewDomainError(op, domain.ErrAgentExecution, fmt.Sprintf("launch agent: %v", err))
	}
}

// classify maps the raw run outcome onto a finish reason or an error.
// A run that produced usable content never fails after the fact: abnormal
// termination downgrades to a completed response with finish reason
// "abnormal" so partial work is not thrown away.
func (e *Engine) classify(op string, out *outcome, content string, calls []domain.ToolCall) (string, error) {
	hasContent := strings.TrimSpace(content) != "" || len(calls) > 0

	if out.timedOut {
		if hasContent {
			return domain.FinishAbnormal, nil
		}
		return "", domain.NewDomainError(op, domain.ErrTimeout,
			fmt.Sprintf("agent exceeded %s deadline", e.cfg.Timeout))
	}

	if out.waitErr != nil {
		if hasContent {
			return domain.FinishAbnormal, nil
		}
		detail := out.fatal
		if detail == "" {
			detail = out.stderr
		}
		if detail == "" {
			detail = out.waitErr.Error()
		}
		return "", domain.NewDomainError(op, domain.ErrAgentExecution, detail)
	}

	if out.fatal != "" && !hasContent {
		return "", domain.NewDomainError(op, domain.ErrAgentExecution, out.fatal)
	}

	if out.parser.Interpreted == 0 {
		detail := fmt.Sprintf("no interpretable output (%d malformed lines)", out.parser.Malformed)
		return "", domain.NewDomainError(op, domain.ErrAgentProtocol, detail)
	}

	if len(calls) > 0 {
		return domain.FinishToolCalls, nil
	}
	return domain.FinishStop, nil
}

func (e *Engine) usage(asm *Assembler, prompt Prompt, content string) domain.Usage {
	if u := asm.AgentUsage(); u != nil {
		return *u
	}
	return EstimateUsage(prompt.System+"\n"+prompt.User, content)
}

func (e *Engine) audit(ctx context.Context, id, finish string, usage domain.Usage, latency time.Duration, exitCode int, stream bool, toolCalls int) {
	if e.auditor == nil {
		return
	}
	entry := domain.AuditEntry{
		ID:               id,
		Model:            e.cfg.Model,
		FinishReason:     finish,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		LatencyMS:        latency.Milliseconds(),
		ExitCode:         exitCode,
		Stream:           stream,
		ToolCalls:        toolCalls,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed", "id", id, "error", err)
	}
}
