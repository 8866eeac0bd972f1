package engine

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func startFake(t *testing.T, script string) *Process {
	t.Helper()
	r := &Runner{
		Binary: os.Args[0],
		Env:    append(os.Environ(), "FAKE_AGENT_SCRIPT="+script),
		Grace:  time.Second,
		Logger: discardLogger(),
	}
	proc, err := r.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return proc
}

func TestRunnerLines(t *testing.T) {
	proc := startFake(t, "stream-text")

	var lines []string
	for line := range proc.Lines() {
		lines = append(lines, line)
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(lines) != 3 {
		t.Errorf("lines = %d, want 3: %v", len(lines), lines)
	}
	if proc.ExitCode() != 0 {
		t.Errorf("ExitCode = %d", proc.ExitCode())
	}
}

func TestRunnerCapturesStderrAndExitCode(t *testing.T) {
	proc := startFake(t, "fail")
	for range proc.Lines() {
	}
	if err := proc.Wait(); err == nil {
		t.Fatal("Wait: expected error for non-zero exit")
	}
	if proc.ExitCode() != 3 {
		t.Errorf("ExitCode = %d, want 3", proc.ExitCode())
	}
	if !strings.Contains(proc.Stderr(), "agent exploded") {
		t.Errorf("Stderr = %q", proc.Stderr())
	}
}

func TestRunnerCancelTerminatesChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		Binary: os.Args[0],
		Env:    append(os.Environ(), "FAKE_AGENT_SCRIPT=silent-hang"),
		Grace:  time.Second,
		Logger: discardLogger(),
	}
	proc, err := r.Start(ctx, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		for range proc.Lines() {
		}
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped after cancel")
	}
}

func TestRunnerWaitIdempotent(t *testing.T) {
	proc := startFake(t, "json-result")
	for range proc.Lines() {
	}
	first := proc.Wait()
	second := proc.Wait()
	if first != second {
		t.Errorf("Wait results differ: %v vs %v", first, second)
	}
}

func TestRunnerStartMissingBinary(t *testing.T) {
	r := &Runner{Binary: "/nonexistent/agent", Logger: discardLogger()}
	if _, err := r.Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestRunnerDefaultEnvMinimal(t *testing.T) {
	r := &Runner{}
	for _, kv := range r.childEnv() {
		if !strings.HasPrefix(kv, "PATH=") && !strings.HasPrefix(kv, "HOME=") {
			t.Errorf("unexpected env entry %q", kv)
		}
	}
}

func TestRunnerExtraEnvAppended(t *testing.T) {
	r := &Runner{Extra: []string{"AGENT_FLAG=1"}}
	env := r.childEnv()
	found := false
	for _, kv := range env {
		if kv == "AGENT_FLAG=1" {
			found = true
		}
	}
	if !found {
		t.Errorf("extra env missing: %v", env)
	}
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := &boundedBuffer{max: 8}
	b.Write([]byte("0123456789"))
	b.Write([]byte("more"))
	got := b.String()
	if !strings.HasPrefix(got, "01234567") {
		t.Errorf("String() = %q", got)
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("missing truncation marker: %q", got)
	}
}
