package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Success(t *testing.T) {
	r := NewExecRunner()
	var sink bytes.Buffer

	result, err := r.Run(context.Background(), CommandSpec{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	}, &sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Succeeded() {
		t.Errorf("expected exit 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Output, "out") || !strings.Contains(result.Output, "err") {
		t.Errorf("expected stdout and stderr captured, got %q", result.Output)
	}
	if sink.String() != result.Output {
		t.Errorf("expected sink to receive the same output, got %q", sink.String())
	}
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewExecRunner()

	result, err := r.Run(context.Background(), CommandSpec{Name: "sh", Args: []string{"-c", "echo failing; exit 3"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Succeeded() {
		t.Error("expected Succeeded() false")
	}
}

func TestExecRunner_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := NewExecRunner()

	result, err := r.Run(context.Background(), CommandSpec{
		Name: "sh",
		Args: []string{"-c", "pwd; echo $TMPLCHECK_TEST_VAR"},
		Dir:  dir,
		Env:  map[string]string{"TMPLCHECK_TEST_VAR": "overlay"},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "overlay") {
		t.Errorf("expected env overlay in output, got %q", result.Output)
	}
	if !strings.Contains(result.Output, dir) {
		t.Errorf("expected working dir %s in output, got %q", dir, result.Output)
	}
}

func TestExecRunner_LaunchError(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Run(context.Background(), CommandSpec{Name: "definitely-not-a-real-binary"}, nil)
	if err == nil {
		t.Fatal("expected launch error")
	}
	if KindOf(err) != KindLaunch {
		t.Errorf("expected kind %s, got %s", KindLaunch, KindOf(err))
	}
}

func TestExecRunner_ContextCancel(t *testing.T) {
	r := NewExecRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, CommandSpec{Name: "sh", Args: []string{"-c", "sleep 30"}}, nil)
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancelled command should be killed promptly")
	}
}

func TestCommandSpec_CommandLine(t *testing.T) {
	spec := CommandSpec{Name: "dotnet", Args: []string{"new", "blazorwasm", "-o", "My App"}}
	want := `dotnet new blazorwasm -o 'My App'`
	if got := spec.CommandLine(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "DOTNET_NOLOGO=0"}

	merged := mergeEnv(base, map[string]string{"DOTNET_NOLOGO": "1", "A": "b"})
	want := []string{"PATH=/bin", "HOME=/root", "A=b", "DOTNET_NOLOGO=1"}
	if strings.Join(merged, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, merged)
	}

	if got := mergeEnv(base, nil); len(got) != len(base) {
		t.Errorf("expected base unchanged, got %v", got)
	}
}
