package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// maxLineBytes bounds a single stdout line. Agent records can carry
	// whole file contents inside text blocks, so the default 64K scanner
	// limit is far too small.
	maxLineBytes = 1 << 20

	// maxStderrBytes bounds captured stderr; it is only ever used as
	// error detail.
	maxStderrBytes = 64 << 10

	defaultGrace = 5 * time.Second
)

// Runner launches the agent CLI as a child process.
type Runner struct {
	Binary string
	// Env overrides the child environment entirely when non-nil.
	// The default is a minimal environment: PATH and HOME only, so the
	// child cannot pick up credentials or proxy settings by accident.
	Env []string
	// Extra appends KEY=VALUE entries to the default minimal environment.
	// Ignored when Env is set.
	Extra  []string
	Grace  time.Duration
	Logger *slog.Logger
}

// Start launches one agent invocation. Cancelling ctx sends the child
// an interrupt; if it has not exited after the grace period it is
// killed. The child is always reaped through Wait.
func (r *Runner) Start(ctx context.Context, args []string) (*Process, error) {
	const op = "engine.Runner.Start"

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Env = r.childEnv()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultGrace
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stdout pipe: %w", op, err)
	}
	stderr := &boundedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start %s: %w", op, r.Binary, err)
	}
	if r.Logger != nil {
		r.Logger.Debug("agent process started", "pid", cmd.Process.Pid, "args", len(args))
	}

	p := &Process{
		cmd:    cmd,
		lines:  make(chan string, 64),
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.lines)
		defer close(p.done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		// Scanner errors (oversized line, pipe reset) end the stream;
		// exit status decides how the request concludes.
	}()

	return p, nil
}

func (r *Runner) childEnv() []string {
	if r.Env != nil {
		return r.Env
	}
	env := []string{}
	if v := os.Getenv("PATH"); v != "" {
		env = append(env, "PATH="+v)
	}
	if v := os.Getenv("HOME"); v != "" {
		env = append(env, "HOME="+v)
	}
	return append(env, r.Extra...)
}

// Process is one running agent invocation.
type Process struct {
	cmd    *exec.Cmd
	lines  chan string
	stderr *boundedBuffer
	done   chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// Lines returns the child's stdout, one line per receive. The channel
// closes at stdout EOF.
func (p *Process) Lines() <-chan string { return p.lines }

// Wait reaps the child. It must be called after Lines is drained, and
// is safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		<-p.done
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// ExitCode returns the child's exit code, or -1 before Wait or when the
// child was killed by a signal.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stderr returns captured stderr, truncated to a bounded size.
func (p *Process) Stderr() string { return p.stderr.String() }

// boundedBuffer keeps the first max bytes written and discards the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room > 0 {
		if len(p) <= room {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n...(truncated)"
	}
	return string(b.buf)
}
