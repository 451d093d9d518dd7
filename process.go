package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
)

// capturedOutput captures writes to a bounded buffer and scans complete lines
// for listen addresses.
type capturedOutput struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	maxBytes int
	partial  []byte
	urls     []string
	onLine   func(line string)
}

var listeningLine = regexp.MustCompile(`Now listening on:\s*(\S+)`)

func (co *capturedOutput) Write(p []byte) (n int, err error) {
	co.mu.Lock()
	// Trim from front if buffer exceeds max
	if co.maxBytes > 0 && co.buf.Len()+len(p) > co.maxBytes {
		data := co.buf.Bytes()
		keep := co.maxBytes / 2
		if len(data) > keep {
			data = data[len(data)-keep:]
		}
		kept := append([]byte(nil), data...)
		co.buf.Reset()
		co.buf.Write(kept)
	}
	co.buf.Write(p)

	co.partial = append(co.partial, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(co.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(co.partial[:idx]), "\r")
		co.partial = co.partial[idx+1:]
		if m := listeningLine.FindStringSubmatch(line); m != nil {
			co.urls = append(co.urls, strings.TrimRight(m[1], "/"))
		}
		lines = append(lines, line)
	}
	onLine := co.onLine
	co.mu.Unlock()

	if onLine != nil {
		for _, line := range lines {
			onLine(line)
		}
	}
	return len(p), nil
}

func (co *capturedOutput) String() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.buf.String()
}

func (co *capturedOutput) URLs() []string {
	co.mu.Lock()
	defer co.mu.Unlock()
	return append([]string(nil), co.urls...)
}

// Process is a long-lived child process started by the harness.
type Process interface {
	Pid() int
	URLs() []string
	HasExited() bool
	Output() string
	Stop() error
}

// ProcessSpec describes a long-lived process to launch.
type ProcessSpec struct {
	Command CommandSpec
	// Label names the process in logs ("run built", "serve published").
	Label string
	// FixedURL is used when the process does not print its listen address.
	FixedURL string
}

// ProcessLauncher starts long-lived processes.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec ProcessSpec, sink io.Writer) (Process, error)
}

// RunningProcess wraps an OS process with captured output and its bound endpoints.
type RunningProcess struct {
	spec        ProcessSpec
	cmd         *exec.Cmd
	output      *capturedOutput
	done        chan struct{}
	exitErr     error
	stopTimeout time.Duration

	stopOnce sync.Once
	stopErr  error
}

// ExecLauncher launches processes in their own process group.
type ExecLauncher struct {
	StopTimeout time.Duration
}

// NewExecLauncher creates a launcher that waits stopTimeout between SIGTERM and SIGKILL.
func NewExecLauncher(stopTimeout time.Duration) *ExecLauncher {
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &ExecLauncher{StopTimeout: stopTimeout}
}

// Launch starts the process and returns immediately. Output is streamed to sink line by line.
func (l *ExecLauncher) Launch(ctx context.Context, spec ProcessSpec, sink io.Writer) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command.Name, spec.Command.Args...)
	cmd.WaitDelay = l.StopTimeout
	cmd.Dir = spec.Command.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Command.Env)

	co := &capturedOutput{maxBytes: 1024 * 1024}
	if sink != nil {
		co.onLine = func(line string) {
			io.WriteString(sink, line+"\n")
		}
	}
	cmd.Stdout = co
	cmd.Stderr = co

	// Set process group so we can kill all children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &HarnessError{
			Kind:  KindLaunch,
			Step:  spec.Label,
			Msg:   fmt.Sprintf("failed to start %s", spec.Command.CommandLine()),
			Cause: err,
		}
	}

	rp := &RunningProcess{
		spec:        spec,
		cmd:         cmd,
		output:      co,
		done:        make(chan struct{}),
		stopTimeout: l.StopTimeout,
	}
	go func() {
		rp.exitErr = cmd.Wait()
		close(rp.done)
	}()

	return rp, nil
}

// Pid returns the OS process id.
func (rp *RunningProcess) Pid() int {
	return rp.cmd.Process.Pid
}

// URLs returns the bound listen URLs seen so far, or the fixed URL.
func (rp *RunningProcess) URLs() []string {
	urls := rp.output.URLs()
	if len(urls) == 0 && rp.spec.FixedURL != "" {
		return []string{rp.spec.FixedURL}
	}
	return urls
}

// HasExited reports whether the process has terminated.
func (rp *RunningProcess) HasExited() bool {
	select {
	case <-rp.done:
		return true
	default:
		return false
	}
}

// Output returns the captured output.
func (rp *RunningProcess) Output() string {
	return rp.output.String()
}

// Stop terminates the process group and drains output. Safe to call multiple times.
func (rp *RunningProcess) Stop() error {
	rp.stopOnce.Do(func() {
		if rp.HasExited() {
			return
		}
		pid := rp.cmd.Process.Pid
		// Signal the process group so child processes are also terminated
		syscall.Kill(-pid, syscall.SIGTERM)

		select {
		case <-rp.done:
		case <-time.After(rp.stopTimeout):
			syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-rp.done:
			case <-time.After(rp.stopTimeout):
				rp.stopErr = fmt.Errorf("process %d did not exit after SIGKILL", pid)
			}
		}
	})
	return rp.stopErr
}

// PreferredURL picks the https listen URL if present, else the first one.
func PreferredURL(urls []string) string {
	for _, u := range urls {
		if strings.HasPrefix(u, "https://") {
			return u
		}
	}
	if len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// recentLines returns the last maxLines lines of output.
func recentLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
