package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// CommandSpec describes one external command invocation.
type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string // overlay on top of os.Environ()
}

// CommandLine renders the command for display.
func (s CommandSpec) CommandLine() string {
	return shellquote.Join(append([]string{s.Name}, s.Args...)...)
}

// ProcessResult holds the outcome of a completed command.
type ProcessResult struct {
	Spec     CommandSpec
	ExitCode int
	Output   string // interleaved stdout/stderr, in arrival order
	Duration time.Duration
}

// CommandLine renders the command that produced the result.
func (r *ProcessResult) CommandLine() string {
	return r.Spec.CommandLine()
}

// Succeeded reports whether the command exited 0.
func (r *ProcessResult) Succeeded() bool {
	return r.ExitCode == 0
}

// CommandRunner runs a command to completion.
// A non-zero exit is reported through ProcessResult.ExitCode, not as an error.
// Errors are returned only when the process could not be launched.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec, sink io.Writer) (*ProcessResult, error)
}

// ExecRunner is the os/exec implementation of CommandRunner.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the command, streams its output to sink as it arrives and waits for exit.
func (r *ExecRunner) Run(ctx context.Context, spec CommandSpec, sink io.Writer) (*ProcessResult, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var buf syncBuffer
	out := io.Writer(&buf)
	if sink != nil {
		out = io.MultiWriter(&buf, sink)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &HarnessError{
			Kind:  KindLaunch,
			Step:  "launch",
			Msg:   fmt.Sprintf("failed to start %s", spec.CommandLine()),
			Cause: err,
		}
	}

	err := cmd.Wait()
	result := &ProcessResult{
		Spec:     spec,
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return result, fmt.Errorf("%s: %w", spec.CommandLine(), ctx.Err())
			}
			return result, nil
		}
		return result, fmt.Errorf("%s: %w", spec.CommandLine(), err)
	}

	return result, nil
}

// mergeEnv overlays extra on base. Later keys win; output is sorted for the overlay part.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
