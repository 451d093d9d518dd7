package main

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies harness failures. Values are stable and appear in run logs.
type ErrorKind string

const (
	KindToolInvocation ErrorKind = "TOOL_INVOCATION_FAILURE"
	KindStructural     ErrorKind = "STRUCTURAL_ASSERTION_FAILURE"
	KindProcessExited  ErrorKind = "PROCESS_EXITED_UNEXPECTEDLY"
	KindVerification   ErrorKind = "VERIFICATION_FAILURE"
	KindUnsupportedEnv ErrorKind = "UNSUPPORTED_ENVIRONMENT"
	KindLaunch         ErrorKind = "LAUNCH_ERROR"
	KindPrecondition   ErrorKind = "PRECONDITION_FAILURE"
)

// HarnessError is the error type returned by lifecycle steps and verifiers.
type HarnessError struct {
	Kind     ErrorKind
	Step     string // lifecycle step or assertion name, e.g. "publish"
	Msg      string
	Project  string
	Path     string // file-system context for structural failures
	Expected string
	Actual   string
	Output   string // raw captured tool/process output
	Cause    error
}

// Error returns "KIND: step: message".
func (e *HarnessError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	if e.Step != "" {
		sb.WriteString(e.Step)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Msg)
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&sb, " (expected %q, got %q)", e.Expected, e.Actual)
	}
	if e.Path != "" {
		fmt.Fprintf(&sb, " [%s]", e.Path)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

func (e *HarnessError) Unwrap() error {
	return e.Cause
}

// Diagnostic renders the raw output first, then the failed assertion.
func (e *HarnessError) Diagnostic() string {
	var sb strings.Builder
	if e.Output != "" {
		sb.WriteString(e.Output)
		if !strings.HasSuffix(e.Output, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("----\n")
	}
	if e.Project != "" {
		fmt.Fprintf(&sb, "Project %s: ", e.Project)
	}
	sb.WriteString(e.Error())
	return sb.String()
}

// KindOf returns the kind of err, or "" if err is not a HarnessError.
func KindOf(err error) ErrorKind {
	var he *HarnessError
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// AsHarnessError returns (*HarnessError, true) if err is or wraps one.
func AsHarnessError(err error) (*HarnessError, bool) {
	var he *HarnessError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// DiagnosticOf returns the diagnostic text for any error.
func DiagnosticOf(err error) string {
	if he, ok := AsHarnessError(err); ok {
		return he.Diagnostic()
	}
	return err.Error()
}

// ToolFailure reports a command that exited non-zero.
func ToolFailure(project, step string, result *ProcessResult) error {
	return &HarnessError{
		Kind:    KindToolInvocation,
		Step:    step,
		Project: project,
		Msg:     fmt.Sprintf("%s exited with code %d", result.CommandLine(), result.ExitCode),
		Output:  result.Output,
	}
}

// StructuralFailure reports a generated artifact that is missing or present contrary to the variant rules.
func StructuralFailure(project, assertion, path, msg string) error {
	return &HarnessError{
		Kind:    KindStructural,
		Step:    assertion,
		Project: project,
		Path:    path,
		Msg:     msg,
	}
}

// ProcessExited reports a run process that died before verification.
func ProcessExited(project, step, output string) error {
	return &HarnessError{
		Kind:    KindProcessExited,
		Step:    step,
		Project: project,
		Msg:     "process exited before verification began",
		Output:  output,
	}
}

// VerificationFailure reports an HTTP or browser assertion mismatch.
func VerificationFailure(step, expected, actual string) error {
	return &HarnessError{
		Kind:     KindVerification,
		Step:     step,
		Msg:      "assertion failed",
		Expected: expected,
		Actual:   actual,
	}
}

// PreconditionFailure reports a violated precondition or caller error.
func PreconditionFailure(step, msg string) error {
	return &HarnessError{
		Kind: KindPrecondition,
		Step: step,
		Msg:  msg,
	}
}
