package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventType represents the type of log event
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventRunEnd        EventType = "run_end"
	EventScenarioStart EventType = "scenario_start"
	EventScenarioEnd   EventType = "scenario_end"
	EventStepStart     EventType = "step_start"
	EventStepEnd       EventType = "step_end"
	EventStateChange   EventType = "state_change"
	EventProcessStart  EventType = "process_start"
	EventProcessReady  EventType = "process_ready"
	EventProcessStop   EventType = "process_stop"
	EventProbe         EventType = "probe"
	EventBrowserStart  EventType = "browser_start"
	EventBrowserEnd    EventType = "browser_end"
	EventBrowserStep   EventType = "browser_step"
	EventBrowserSkip   EventType = "browser_skip"
	EventConfigPatch   EventType = "config_patch"
	EventWarning       EventType = "warning"
	EventError         EventType = "error"
)

// Event represents a single log event
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Type      EventType              `json:"type"`
	Scenario  string                 `json:"scenario,omitempty"`
	Step      string                 `json:"step,omitempty"`
	Duration  *int64                 `json:"duration,omitempty"` // nanoseconds
	Success   *bool                  `json:"success,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// RunLogger writes the JSONL event log of one harness run. All methods are
// safe on a nil receiver and from concurrent scenarios.
type RunLogger struct {
	file      *os.File
	encoder   *json.Encoder
	mu        sync.Mutex
	runNumber int
	startTime time.Time
	workDir   string
	enabled   bool
	config    *LoggingConfig
}

// LoggingConfig configures the logging system
type LoggingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	MaxRuns int    `mapstructure:"maxRuns"`
	Level   string `mapstructure:"level"`
}

// DefaultLoggingConfig returns sensible defaults
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Enabled: true,
		MaxRuns: 10,
		Level:   "info",
	}
}

// NewRunLogger creates a new logger for a run under workDir/logs.
func NewRunLogger(workDir string, config *LoggingConfig) (*RunLogger, error) {
	if config == nil {
		config = DefaultLoggingConfig()
	}

	logger := &RunLogger{
		workDir:   workDir,
		startTime: time.Now(),
		enabled:   config.Enabled,
		config:    config,
	}

	if !config.Enabled {
		return logger, nil
	}

	logsDir := LogsDir(workDir)
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	runNumber := nextRunNumber(logsDir)
	logger.runNumber = runNumber

	// Keep room for the run about to be created
	if config.MaxRuns > 0 {
		rotateOldRuns(logsDir, config.MaxRuns-1)
	}

	logPath := filepath.Join(logsDir, fmt.Sprintf("run-%03d.jsonl", runNumber))
	file, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	logger.file = file
	logger.encoder = json.NewEncoder(file)

	return logger, nil
}

// Close closes the log file
func (l *RunLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// RunNumber returns the current run number
func (l *RunLogger) RunNumber() int {
	if l == nil {
		return 0
	}
	return l.runNumber
}

// LogPath returns the path to the current log file
func (l *RunLogger) LogPath() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *RunLogger) logEvent(event Event) {
	if l == nil || !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.encoder.Encode(event)
}

func durationPtr(d time.Duration) *int64 {
	ns := d.Nanoseconds()
	return &ns
}

// RunStart logs the start of a run
func (l *RunLogger) RunStart(scenarios []string, workDir string) {
	l.logEvent(Event{
		Type: EventRunStart,
		Data: map[string]interface{}{
			"scenarios":  scenarios,
			"work_dir":   workDir,
			"run_number": l.RunNumber(),
		},
	})
}

// RunEnd logs the end of a run
func (l *RunLogger) RunEnd(success bool, summary string) {
	if l == nil {
		return
	}
	l.logEvent(Event{
		Type:     EventRunEnd,
		Duration: durationPtr(time.Since(l.startTime)),
		Success:  &success,
		Message:  summary,
	})
}

// ScenarioStart logs the start of a scenario
func (l *RunLogger) ScenarioStart(scenario, project string) {
	l.logEvent(Event{
		Type:     EventScenarioStart,
		Scenario: scenario,
		Data: map[string]interface{}{
			"project": project,
		},
	})
}

// ScenarioEnd logs a scenario outcome. failedStep and err are empty on success.
func (l *RunLogger) ScenarioEnd(scenario string, success bool, failedStep string, err error, d time.Duration) {
	data := map[string]interface{}{}
	if failedStep != "" {
		data["failed_step"] = failedStep
	}
	if err != nil {
		data["kind"] = string(KindOf(err))
		data["error"] = err.Error()
	}
	l.logEvent(Event{
		Type:     EventScenarioEnd,
		Scenario: scenario,
		Duration: durationPtr(d),
		Success:  &success,
		Data:     data,
	})
}

// StepStart logs the start of a lifecycle step
func (l *RunLogger) StepStart(scenario, step, project string) {
	l.logEvent(Event{
		Type:     EventStepStart,
		Scenario: scenario,
		Step:     step,
		Data: map[string]interface{}{
			"project": project,
		},
	})
}

// StepEnd logs the end of a lifecycle step
func (l *RunLogger) StepEnd(scenario, step string, err error, d time.Duration) {
	success := err == nil
	data := map[string]interface{}{}
	if err != nil {
		data["kind"] = string(KindOf(err))
		data["error"] = err.Error()
		if he, ok := AsHarnessError(err); ok && he.Output != "" {
			data["output"] = he.Output
		}
	}
	l.logEvent(Event{
		Type:     EventStepEnd,
		Scenario: scenario,
		Step:     step,
		Duration: durationPtr(d),
		Success:  &success,
		Data:     data,
	})
}

// StateChange logs a lifecycle state transition
func (l *RunLogger) StateChange(scenario, from, to string) {
	l.logEvent(Event{
		Type:     EventStateChange,
		Scenario: scenario,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// ProcessStart logs a long-lived process start
func (l *RunLogger) ProcessStart(scenario, label, cmd string, pid int) {
	l.logEvent(Event{
		Type:     EventProcessStart,
		Scenario: scenario,
		Step:     label,
		Data: map[string]interface{}{
			"cmd": cmd,
			"pid": pid,
		},
	})
}

// ProcessReady logs a process answering on its endpoint
func (l *RunLogger) ProcessReady(scenario, label, url string, d time.Duration) {
	l.logEvent(Event{
		Type:     EventProcessReady,
		Scenario: scenario,
		Step:     label,
		Duration: durationPtr(d),
		Data: map[string]interface{}{
			"url": url,
		},
	})
}

// ProcessStop logs a process being stopped
func (l *RunLogger) ProcessStop(scenario, label string, pid int, err error) {
	data := map[string]interface{}{
		"pid": pid,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.logEvent(Event{
		Type:     EventProcessStop,
		Scenario: scenario,
		Step:     label,
		Data:     data,
	})
}

// Probe logs an HTTP probe result
func (l *RunLogger) Probe(scenario, url string, status int, contentType string, err error) {
	success := err == nil
	data := map[string]interface{}{
		"url":          url,
		"status":       status,
		"content_type": contentType,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.logEvent(Event{
		Type:     EventProbe,
		Scenario: scenario,
		Success:  &success,
		Data:     data,
	})
}

// BrowserStart logs the start of browser verification
func (l *RunLogger) BrowserStart(scenario, url string) {
	l.logEvent(Event{
		Type:     EventBrowserStart,
		Scenario: scenario,
		Data: map[string]interface{}{
			"url": url,
		},
	})
}

// BrowserEnd logs the end of browser verification
func (l *RunLogger) BrowserEnd(scenario string, success bool, consoleErrors int) {
	l.logEvent(Event{
		Type:     EventBrowserEnd,
		Scenario: scenario,
		Success:  &success,
		Data: map[string]interface{}{
			"console_errors": consoleErrors,
		},
	})
}

// BrowserStep logs a browser step execution
func (l *RunLogger) BrowserStep(scenario, action string, success bool, details map[string]interface{}) {
	l.logEvent(Event{
		Type:     EventBrowserStep,
		Scenario: scenario,
		Success:  &success,
		Data: map[string]interface{}{
			"action":  action,
			"details": details,
		},
	})
}

// BrowserSkip logs browser steps skipped for an unsupported environment
func (l *RunLogger) BrowserSkip(scenario, reason string) {
	l.logEvent(Event{
		Type:     EventBrowserSkip,
		Scenario: scenario,
		Message:  reason,
	})
}

// ConfigPatch logs a settings rewrite
func (l *RunLogger) ConfigPatch(scenario string, patch *ConfigPatch) {
	if patch == nil {
		return
	}
	l.logEvent(Event{
		Type:     EventConfigPatch,
		Scenario: scenario,
		Data: map[string]interface{}{
			"operation": patch.Operation,
			"source":    patch.Source,
			"target":    patch.Target,
			"from":      patch.From,
			"to":        patch.To,
		},
	})
}

// Warning logs a warning message
func (l *RunLogger) Warning(scenario, msg string) {
	l.logEvent(Event{
		Type:     EventWarning,
		Scenario: scenario,
		Message:  msg,
	})
}

// Error logs an error message
func (l *RunLogger) Error(scenario, msg string, err error) {
	data := make(map[string]interface{})
	if err != nil {
		data["error"] = err.Error()
		if kind := KindOf(err); kind != "" {
			data["kind"] = string(kind)
		}
	}
	l.logEvent(Event{
		Type:     EventError,
		Scenario: scenario,
		Message:  msg,
		Data:     data,
	})
}

// FormatDuration formats a duration for display
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.0fms", float64(d.Milliseconds()))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

// nextRunNumber determines the next run number based on existing logs
func nextRunNumber(logsDir string) int {
	maxRun := 0
	for _, name := range runFileNames(logsDir) {
		if num := extractRunNumber(name); num > maxRun {
			maxRun = num
		}
	}
	return maxRun + 1
}

func runFileNames(logsDir string) []string {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "run-") && strings.HasSuffix(name, ".jsonl") {
			names = append(names, name)
		}
	}
	return names
}

// rotateOldRuns deletes runs beyond keep (keeps most recent)
func rotateOldRuns(logsDir string, keep int) {
	runFiles := runFileNames(logsDir)
	if keep < 0 || len(runFiles) <= keep {
		return
	}

	sort.Slice(runFiles, func(i, j int) bool {
		return extractRunNumber(runFiles[i]) < extractRunNumber(runFiles[j])
	})

	toDelete := len(runFiles) - keep
	for i := 0; i < toDelete; i++ {
		os.Remove(filepath.Join(logsDir, runFiles[i]))
	}
}

// extractRunNumber extracts the run number from a filename like "run-001.jsonl"
func extractRunNumber(filename string) int {
	numStr := strings.TrimPrefix(filename, "run-")
	numStr = strings.TrimSuffix(numStr, ".jsonl")
	num, _ := strconv.Atoi(numStr)
	return num
}

// LogsDir returns the path to the logs directory for a work dir
func LogsDir(workDir string) string {
	return filepath.Join(workDir, "logs")
}

// RunSummary contains summary info about a run
type RunSummary struct {
	RunNumber int
	LogPath   string
	FileSize  int64
	ModTime   time.Time
	StartTime time.Time
	EndTime   *time.Time
	Success   *bool
	Summary   string
}

// ListRuns returns all run log files in a work dir, most recent first
func ListRuns(workDir string) ([]RunSummary, error) {
	logsDir := LogsDir(workDir)
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []RunSummary
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		logPath := filepath.Join(logsDir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}

		summary := RunSummary{
			RunNumber: extractRunNumber(name),
			LogPath:   logPath,
			FileSize:  info.Size(),
			ModTime:   info.ModTime(),
		}

		if first, last := readFirstLastEvents(logPath); first != nil {
			summary.StartTime = first.Timestamp
			if last != nil && last.Type == EventRunEnd {
				summary.EndTime = &last.Timestamp
				summary.Success = last.Success
				summary.Summary = last.Message
			}
		}

		runs = append(runs, summary)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].RunNumber > runs[j].RunNumber
	})

	return runs, nil
}

// readFirstLastEvents reads the first and last events from a log file
func readFirstLastEvents(logPath string) (*Event, *Event) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, nil
	}
	defer file.Close()

	var first, last *Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		if first == nil {
			first = &event
		}
		last = &event
	}

	return first, last
}

// ReadEvents reads events from a log file with optional filtering
func ReadEvents(logPath string, filter *EventFilter) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadEventsFromReader(file, filter)
}

// ReadEventsFromReader reads events from an io.Reader with optional filtering
func ReadEventsFromReader(r io.Reader, filter *EventFilter) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	// Step events can carry full tool output
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	matched := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		if filter != nil && !filter.Match(&event) {
			continue
		}

		matched++
		if filter != nil && filter.Offset > 0 && matched <= filter.Offset {
			continue
		}
		events = append(events, event)
		if filter != nil && filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}

	return events, scanner.Err()
}

// EventFilter filters events when reading logs
type EventFilter struct {
	EventType EventType
	Scenario  string
	Offset    int
	Limit     int
}

// Match returns true if the event matches the filter
func (f *EventFilter) Match(event *Event) bool {
	if f.EventType != "" && event.Type != f.EventType {
		return false
	}
	if f.Scenario != "" && event.Scenario != f.Scenario {
		return false
	}
	return true
}

// DetailedRunSummary contains detailed information about a run
type DetailedRunSummary struct {
	RunNumber int
	StartTime time.Time
	EndTime   *time.Time
	Duration  *time.Duration
	Success   *bool
	Result    string
	Scenarios map[string]*ScenarioSummary
	Probes    int
	Warnings  int
	Errors    int
}

// ScenarioSummary contains summary info about a scenario's execution
type ScenarioSummary struct {
	Name       string
	Project    string
	Duration   *time.Duration
	Success    *bool
	FailedStep string
	Kind       string
	Steps      int
	FinalState string
}

// GetRunSummary generates a detailed summary of a run
func GetRunSummary(logPath string) (*DetailedRunSummary, error) {
	events, err := ReadEvents(logPath, nil)
	if err != nil {
		return nil, err
	}

	summary := &DetailedRunSummary{
		Scenarios: make(map[string]*ScenarioSummary),
	}

	scenario := func(name string) *ScenarioSummary {
		s, ok := summary.Scenarios[name]
		if !ok {
			s = &ScenarioSummary{Name: name}
			summary.Scenarios[name] = s
		}
		return s
	}

	for _, event := range events {
		switch event.Type {
		case EventRunStart:
			summary.StartTime = event.Timestamp
			if n, ok := event.Data["run_number"].(float64); ok {
				summary.RunNumber = int(n)
			}

		case EventRunEnd:
			summary.EndTime = &event.Timestamp
			summary.Success = event.Success
			summary.Result = event.Message

		case EventScenarioStart:
			s := scenario(event.Scenario)
			if p, ok := event.Data["project"].(string); ok {
				s.Project = p
			}

		case EventScenarioEnd:
			s := scenario(event.Scenario)
			s.Success = event.Success
			if event.Duration != nil {
				d := time.Duration(*event.Duration)
				s.Duration = &d
			}
			if step, ok := event.Data["failed_step"].(string); ok {
				s.FailedStep = step
			}
			if kind, ok := event.Data["kind"].(string); ok {
				s.Kind = kind
			}

		case EventStepEnd:
			scenario(event.Scenario).Steps++

		case EventStateChange:
			if to, ok := event.Data["to"].(string); ok {
				scenario(event.Scenario).FinalState = to
			}

		case EventProbe:
			summary.Probes++

		case EventWarning:
			summary.Warnings++

		case EventError:
			summary.Errors++
		}
	}

	if summary.EndTime != nil {
		d := summary.EndTime.Sub(summary.StartTime)
		summary.Duration = &d
	}

	return summary, nil
}
