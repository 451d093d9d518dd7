package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// errScenariosFailed makes the process exit non-zero after the summary was printed.
var errScenariosFailed = errors.New("one or more scenarios failed")

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tmplcheck",
		Short: "End-to-end checks for generated Blazor WebAssembly projects",
		Long: titleStyle.Render("tmplcheck") + mutedStyle.Render(" - generated-project lifecycle test harness") + `

tmplcheck materializes project templates, publishes and builds them,
runs the result and verifies it over HTTP and in a real browser.

` + mutedStyle.Render("Examples:") + `
  tmplcheck run                 Run every variant
  tmplcheck run pwa hosted      Run two variants
  tmplcheck run --reuse --keep  Reuse passing projects and keep them
  tmplcheck logs --summary      Summarize the latest run
  tmplcheck doctor              Check the environment`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() != "upgrade" {
				startUpdateCheck()
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			printUpdateNotice()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is tmplcheck.{json,yaml,toml} in the project root)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging, including tool output")

	root.AddCommand(
		newRunCommand(),
		newListCommand(),
		newDoctorCommand(),
		newLogsCommand(),
		newCleanCommand(),
		newPatchSettingsCommand(),
		newUpgradeCommand(),
		newVersionCommand(),
	)
	return root
}

func loadConfig() (*ResolvedConfig, error) {
	return LoadConfig(GetProjectRoot(), cfgFile)
}

type runFlags struct {
	all            bool
	parallel       int
	keep           bool
	reuse          bool
	headless       bool
	requireBrowser bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [variant...]",
		Short: "Run scenarios for the given variants (all when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, args, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.all, "all", false, "run every variant")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 1, "scenarios to run at once")
	cmd.Flags().BoolVar(&flags.keep, "keep", false, "keep generated projects after the run")
	cmd.Flags().BoolVar(&flags.reuse, "reuse", false, "reuse projects that passed in an earlier run")
	cmd.Flags().BoolVar(&flags.headless, "headless", true, "run the browser headless")
	cmd.Flags().BoolVar(&flags.requireBrowser, "require-browser", false, "fail instead of skipping when no browser is available")
	return cmd
}

// applyRunFlags overrides configuration with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, cfg *HarnessConfig, flags runFlags) {
	if cmd.Flags().Changed("parallel") {
		cfg.Parallel = flags.parallel
	}
	if cmd.Flags().Changed("keep") {
		cfg.KeepProjects = flags.keep
	}
	if cmd.Flags().Changed("reuse") {
		cfg.Reuse = flags.reuse
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = flags.headless
	}
	if cmd.Flags().Changed("require-browser") {
		cfg.Browser.Required = flags.requireBrowser
	}
}

func runScenarios(cmd *cobra.Command, args []string, flags runFlags) error {
	resolved, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := &resolved.Config
	applyRunFlags(cmd, cfg, flags)
	if err := validateConfig(cfg); err != nil {
		return err
	}

	logger := NewConsoleLogger(cmd.ErrOrStderr(), cfg.Logging.Level, verbose)
	if resolved.ConfigFile != "" {
		logger.Debug("loaded config", "file", resolved.ConfigFile)
	}

	names := args
	if flags.all {
		names = nil
	}
	variants, err := SelectVariants(names, cfg.AllVariants())
	if err != nil {
		return err
	}

	tools, err := cfg.Toolchain()
	if err != nil {
		return err
	}

	browserSettings := cfg.BrowserSettings()
	support := DetectBrowserSupport(browserSettings)
	if err := EnforceBrowserPolicy(support, browserSettings.Required); err != nil {
		return err
	}
	logger.Info("browser", "support", support.String())

	factory, err := NewProjectFactory(FactoryOptions{
		WorkDir:   cfg.WorkDir,
		CacheRoot: cfg.CacheRoot,
		Reuse:     cfg.Reuse,
		Keep:      cfg.KeepProjects,
	}, tools, NewLockRegistry(), NewExecRunner(), NewExecLauncher(seconds(cfg.Process.StopTimeout)))
	if err != nil {
		return err
	}

	events, err := NewRunLogger(factory.WorkDir(), &cfg.Logging)
	if err != nil {
		logger.Warn("run log disabled", "error", err)
		events = nil
	}

	cleanup := NewCleanupCoordinator()
	cleanup.SetFactory(factory)
	cleanup.SetLogger(events)
	stopSignals := cleanup.HandleSignals(func(sig os.Signal) {
		logger.Warn("interrupted, cleaning up", "signal", sig)
	})
	defer stopSignals()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	scenarioNames := make([]string, len(variants))
	for i, v := range variants {
		scenarioNames[i] = v.Name
	}
	events.RunStart(scenarioNames, factory.WorkDir())
	if events != nil {
		logger.Debug("run log", "path", events.LogPath())
	}

	runner := NewScenarioRunner(factory, NewProbe(seconds(cfg.Probe.Timeout), cfg.Probe.InsecureTLS), support, ScenarioOptions{
		Browser:  browserSettings,
		Driver:   cfg.DriverOptions(),
		Parallel: cfg.Parallel,
	}, logger, events, cleanup)

	start := time.Now()
	results := runner.RunAll(ctx, variants)
	elapsed := time.Since(start)

	kept, disposeErr := factory.Dispose()
	if disposeErr != nil {
		logger.Warn("teardown incomplete", "error", disposeErr)
		events.Warning("", "teardown incomplete: "+disposeErr.Error())
	}
	for _, dir := range kept {
		logger.Info("project kept", "dir", dir)
	}

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	allPassed := passed == len(results)
	events.RunEnd(allPassed, fmt.Sprintf("%d/%d scenarios passed", passed, len(results)))
	events.Close()

	RenderSummary(cmd.OutOrStdout(), results, elapsed)
	if !allPassed {
		return errScenariosFailed
	}
	return nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the variant catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := loadConfig()
			if err != nil {
				return err
			}
			printVariants(cmd.OutOrStdout(), resolved.Config.AllVariants(), resolved.Config.Dotnet.Framework)
			return nil
		},
	}
}

func variantFlags(v Variant) string {
	var flags []string
	if v.Hosted {
		flags = append(flags, "hosted")
	}
	if v.PWA {
		flags = append(flags, "pwa")
	}
	if v.UsesIndividualAuth() {
		flags = append(flags, "auth")
	}
	if v.LocalDB {
		flags = append(flags, "localdb")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func printVariants(w io.Writer, variants []Variant, defaultFramework string) {
	sorted := append([]Variant(nil), variants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	rows := make([][]string, 0, len(sorted))
	for _, v := range sorted {
		framework := v.TargetFramework
		if framework == "" {
			framework = defaultFramework
		}
		rows = append(rows, []string{v.Name, v.Key, variantFlags(v), framework, v.Notes})
	}
	fmt.Fprint(w, renderTable([]string{"VARIANT", "KEY", "FLAGS", "FRAMEWORK", "NOTES"}, rows))
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout())
		},
	}
}

func runDoctor(w io.Writer) error {
	fmt.Fprintln(w, titleStyle.Render("tmplcheck environment check"))
	fmt.Fprintln(w)

	resolved, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "✗ config: %v\n", err)
		return fmt.Errorf("1 issue(s) found")
	}
	cfg := &resolved.Config
	if resolved.ConfigFile != "" {
		fmt.Fprintf(w, "✓ config: %s\n", resolved.ConfigFile)
	} else {
		fmt.Fprintf(w, "○ config: no %s file, using defaults\n", configName)
	}

	issues := CheckReadiness(cfg)
	failed := make(map[string]bool)
	for _, issue := range issues {
		failed[strings.SplitN(issue, ":", 2)[0]] = true
	}

	if !failed["dotnet.path"] {
		fmt.Fprintf(w, "✓ dotnet: %s\n", cfg.Dotnet.Path)
	}
	if !failed["serve.command"] {
		fmt.Fprintf(w, "✓ serve: %s\n", cfg.Serve.Command)
	}
	if !failed["workDir"] {
		fmt.Fprintf(w, "✓ work dir writable: %s\n", cfg.WorkDir)
	}

	support := DetectBrowserSupport(cfg.BrowserSettings())
	if support.Supported {
		fmt.Fprintf(w, "✓ browser: %s\n", support.Executable)
	} else if !cfg.Browser.Required {
		fmt.Fprintf(w, "○ browser: %s (browser steps will be skipped)\n", support.Reason)
	}

	for _, issue := range issues {
		fmt.Fprintf(w, "✗ %s\n", issue)
	}

	printRegisteredProjects(w, cfg.WorkDir)

	fmt.Fprintln(w)
	if len(issues) > 0 {
		return fmt.Errorf("%d issue(s) found", len(issues))
	}
	fmt.Fprintln(w, successStyle.Render("All checks passed."))
	return nil
}

func printRegisteredProjects(w io.Writer, workDir string) {
	if !fileExists(filepath.Join(workDir, registryFileName)) {
		return
	}
	registry, err := LoadProjectRegistry(workDir)
	if err != nil {
		return
	}
	keys := registry.Keys()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Registered projects: %d\n", len(keys))
	for _, key := range keys {
		entry := registry.Get(key)
		state := entry.LastResult
		if !fileExists(entry.Dir) {
			state = "missing"
		}
		fmt.Fprintf(w, "  - %s: %s (%s)\n", key, entry.Name, state)
		if lock, _ := ReadProjectLock(entry.Dir); lock != nil {
			if isProcessAlive(lock.PID) {
				fmt.Fprintf(w, "    ! in use by PID %d (scenario: %s)\n", lock.PID, lock.Scenario)
			} else {
				fmt.Fprintf(w, "    ○ stale lock (PID %d no longer running)\n", lock.PID)
			}
		}
	}
}

type logsFlags struct {
	run      int
	list     bool
	tail     int
	follow   bool
	typ      string
	scenario string
	json     bool
	summary  bool
}

func newLogsCommand() *cobra.Command {
	var flags logsFlags
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View run logs",
		Example: `  tmplcheck logs                     # Latest run, last 50 events
  tmplcheck logs --list              # List all runs
  tmplcheck logs --run 2             # Show run #2
  tmplcheck logs --follow            # Watch current run live
  tmplcheck logs --type step_end     # Show only step results
  tmplcheck logs --scenario pwa      # Events for one scenario
  tmplcheck logs --summary           # Quick summary of latest run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := loadConfig()
			if err != nil {
				return err
			}
			return runLogs(cmd.OutOrStdout(), resolved.Config.WorkDir, flags)
		},
	}
	cmd.Flags().IntVar(&flags.run, "run", 0, "show specific run number (default: latest)")
	cmd.Flags().BoolVar(&flags.list, "list", false, "list all runs with summary")
	cmd.Flags().IntVar(&flags.tail, "tail", 50, "show last N events")
	cmd.Flags().BoolVarP(&flags.follow, "follow", "f", false, "follow log in real-time")
	cmd.Flags().StringVar(&flags.typ, "type", "", "filter by event type")
	cmd.Flags().StringVar(&flags.scenario, "scenario", "", "filter by scenario")
	cmd.Flags().BoolVar(&flags.json, "json", false, "output raw JSONL")
	cmd.Flags().BoolVar(&flags.summary, "summary", false, "show run summary only")
	return cmd
}

func runLogs(w io.Writer, workDir string, flags logsFlags) error {
	runs, err := ListRuns(workDir)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No logs found.")
		fmt.Fprintln(w, "Run 'tmplcheck run' to create logs.")
		return nil
	}

	if flags.list {
		printRunList(w, runs)
		return nil
	}

	target := &runs[0]
	if flags.run > 0 {
		target = nil
		for i := range runs {
			if runs[i].RunNumber == flags.run {
				target = &runs[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("run #%d not found", flags.run)
		}
	}

	filter := &EventFilter{EventType: EventType(flags.typ), Scenario: flags.scenario}
	switch {
	case flags.summary:
		return printRunSummary(w, target.LogPath)
	case flags.follow:
		return followLog(context.Background(), w, target.LogPath, filter, flags.json)
	default:
		return printEvents(w, target.LogPath, flags.tail, filter, flags.json)
	}
}

func printRunList(w io.Writer, runs []RunSummary) {
	fmt.Fprintln(w, "Runs:")
	fmt.Fprintln(w)
	for _, run := range runs {
		fmt.Fprintf(w, "  %s Run #%d - %s%s\n", successMark(run.Success), run.RunNumber,
			run.StartTime.Format("2006-01-02 15:04:05"), runDuration(run))
		if run.Summary != "" {
			fmt.Fprintf(w, "    └─ %s\n", run.Summary)
		}
	}
}

func runDuration(run RunSummary) string {
	if run.EndTime == nil {
		return ""
	}
	return fmt.Sprintf(" (%s)", FormatDuration(run.EndTime.Sub(run.StartTime)))
}

func successMark(success *bool) string {
	if success == nil {
		return "○"
	}
	if *success {
		return "✓"
	}
	return "✗"
}

func printRunSummary(w io.Writer, logPath string) error {
	summary, err := GetRunSummary(logPath)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	fmt.Fprintf(w, "Run #%d - %s\n", summary.RunNumber, summary.StartTime.Format("2006-01-02 15:04:05"))
	if summary.Duration != nil {
		fmt.Fprintf(w, "Duration: %s\n", FormatDuration(*summary.Duration))
	}
	if summary.Success != nil {
		result := "FAILED"
		if *summary.Success {
			result = "PASSED"
		}
		fmt.Fprintf(w, "Result: %s\n", result)
	}
	if summary.Result != "" {
		fmt.Fprintf(w, "Summary: %s\n", summary.Result)
	}

	names := make([]string, 0, len(summary.Scenarios))
	for name := range summary.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenarios: %d total\n", len(names))
	for _, name := range names {
		s := summary.Scenarios[name]
		detail := fmt.Sprintf("%d steps", s.Steps)
		if s.Duration != nil {
			detail += ", " + FormatDuration(*s.Duration)
		}
		fmt.Fprintf(w, "  %s %s: %s (%s)\n", successMark(s.Success), s.Name, s.Project, detail)
		if s.FailedStep != "" {
			fmt.Fprintf(w, "    └─ failed at %q: %s\n", s.FailedStep, s.Kind)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Probes: %d\n", summary.Probes)
	fmt.Fprintf(w, "Warnings: %d\n", summary.Warnings)
	fmt.Fprintf(w, "Errors: %d\n", summary.Errors)
	return nil
}

func printEvents(w io.Writer, logPath string, tailN int, filter *EventFilter, jsonOutput bool) error {
	events, err := ReadEvents(logPath, filter)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	if tailN > 0 && len(events) > tailN {
		events = events[len(events)-tailN:]
	}

	for _, e := range events {
		if jsonOutput {
			data, _ := json.Marshal(e)
			fmt.Fprintln(w, string(data))
		} else {
			printEvent(w, &e)
		}
	}
	return nil
}

func eventDuration(e *Event) string {
	if e.Duration == nil {
		return ""
	}
	return fmt.Sprintf(" (%s)", FormatDuration(time.Duration(*e.Duration)))
}

func printEvent(w io.Writer, e *Event) {
	timestamp := e.Timestamp.Format("15:04:05")
	scenario := ""
	if e.Scenario != "" {
		scenario = "[" + e.Scenario + "] "
	}

	switch e.Type {
	case EventRunStart:
		fmt.Fprintf(w, "[%s] === Run started ===\n", timestamp)

	case EventRunEnd:
		result := "failed"
		if e.Success != nil && *e.Success {
			result = "success"
		}
		fmt.Fprintf(w, "[%s] === Run ended: %s ===\n", timestamp, result)
		if e.Message != "" {
			fmt.Fprintf(w, "         %s\n", e.Message)
		}

	case EventScenarioStart:
		project, _ := e.Data["project"].(string)
		fmt.Fprintf(w, "[%s] ─── Scenario %s: %s ───\n", timestamp, e.Scenario, project)

	case EventScenarioEnd:
		fmt.Fprintf(w, "[%s] %s %sScenario complete%s\n", timestamp, successMark(e.Success), scenario, eventDuration(e))
		if step, ok := e.Data["failed_step"].(string); ok {
			kind, _ := e.Data["kind"].(string)
			fmt.Fprintf(w, "         failed at %q: %s\n", step, kind)
		}

	case EventStepStart:
		fmt.Fprintf(w, "[%s] %s→ %s\n", timestamp, scenario, e.Step)

	case EventStepEnd:
		fmt.Fprintf(w, "[%s] %s%s %s%s\n", timestamp, scenario, successMark(e.Success), e.Step, eventDuration(e))
		if errMsg, ok := e.Data["error"].(string); ok {
			fmt.Fprintf(w, "         %s\n", errMsg)
		}

	case EventStateChange:
		from, _ := e.Data["from"].(string)
		to, _ := e.Data["to"].(string)
		fmt.Fprintf(w, "[%s] %s↔ State: %s → %s\n", timestamp, scenario, from, to)

	case EventProcessStart:
		cmd, _ := e.Data["cmd"].(string)
		fmt.Fprintf(w, "[%s] %s→ Process starting: %s\n", timestamp, scenario, cmd)

	case EventProcessReady:
		url, _ := e.Data["url"].(string)
		fmt.Fprintf(w, "[%s] %s✓ Process ready: %s%s\n", timestamp, scenario, url, eventDuration(e))

	case EventProcessStop:
		fmt.Fprintf(w, "[%s] %s■ Process stopped (%s)\n", timestamp, scenario, e.Step)

	case EventProbe:
		url, _ := e.Data["url"].(string)
		status, _ := e.Data["status"].(float64)
		fmt.Fprintf(w, "[%s] %s%s GET %s → %d\n", timestamp, scenario, successMark(e.Success), url, int(status))

	case EventBrowserStep:
		action, _ := e.Data["action"].(string)
		fmt.Fprintf(w, "[%s] %s  %s %s\n", timestamp, scenario, successMark(e.Success), action)

	case EventBrowserSkip:
		fmt.Fprintf(w, "[%s] %s○ Browser skipped: %s\n", timestamp, scenario, e.Message)

	case EventConfigPatch:
		op, _ := e.Data["operation"].(string)
		target, _ := e.Data["target"].(string)
		fmt.Fprintf(w, "[%s] %s✎ %s: %s\n", timestamp, scenario, op, target)

	case EventWarning:
		fmt.Fprintf(w, "[%s] %s! Warning: %s\n", timestamp, scenario, e.Message)

	case EventError:
		fmt.Fprintf(w, "[%s] %s✗ Error: %s\n", timestamp, scenario, e.Message)
		if errMsg, ok := e.Data["error"].(string); ok {
			fmt.Fprintf(w, "         %s\n", errMsg)
		}

	default:
		fmt.Fprintf(w, "[%s] %s%s", timestamp, scenario, e.Type)
		if e.Message != "" {
			fmt.Fprintf(w, ": %s", e.Message)
		}
		fmt.Fprintln(w)
	}
}

func followLog(ctx context.Context, w io.Writer, logPath string, filter *EventFilter, jsonOutput bool) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	// Seek to end
	file.Seek(0, io.SeekEnd)

	fmt.Fprintf(w, "Following %s (Ctrl+C to stop)\n\n", logPath)

	reader := bufio.NewReader(file)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if !filter.Match(&event) {
			continue
		}

		if jsonOutput {
			fmt.Fprintln(w, line)
		} else {
			printEvent(w, &event)
		}
	}
}

func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove generated projects and the project registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := loadConfig()
			if err != nil {
				return err
			}
			logger := NewConsoleLogger(cmd.ErrOrStderr(), resolved.Config.Logging.Level, verbose)
			removed, skipped, err := cleanWorkDir(resolved.Config.WorkDir, logger)
			for _, dir := range skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "! in use, skipped: %s\n", dir)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d project(s).\n", len(removed))
			return err
		},
	}
}

// cleanWorkDir removes every generated project under workDir and the
// registry. Projects locked by a live harness process are skipped.
func cleanWorkDir(workDir string, logger *log.Logger) (removed, skipped []string, err error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), projectNamePrefix) {
			continue
		}
		dir := filepath.Join(workDir, entry.Name())
		if lock, _ := ReadProjectLock(dir); lock != nil && isProcessAlive(lock.PID) && !isLockStale(lock) {
			skipped = append(skipped, dir)
			continue
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return removed, skipped, fmt.Errorf("failed to remove %s: %w", dir, rmErr)
		}
		logger.Debug("removed project", "dir", dir)
		removed = append(removed, dir)
	}

	registryPath := filepath.Join(workDir, registryFileName)
	if len(skipped) == 0 {
		if rmErr := os.Remove(registryPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return removed, skipped, rmErr
		}
		return removed, skipped, nil
	}

	// Keep registry entries of projects still in use
	registry, loadErr := LoadProjectRegistry(workDir)
	if loadErr != nil {
		return removed, skipped, loadErr
	}
	inUse := make(map[string]bool, len(skipped))
	for _, dir := range skipped {
		inUse[dir] = true
	}
	for _, key := range registry.Keys() {
		if entry := registry.Get(key); entry != nil && !inUse[entry.Dir] {
			registry.Forget(key)
		}
	}
	return removed, skipped, registry.Save(workDir)
}

func newPatchSettingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "patch-settings <serverDir> <publishDir>",
		Short: "Write the publish-time signing-key settings into a publish output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := loadConfig()
			if err != nil {
				return err
			}
			workDir := resolved.Config.WorkDir
			serverDir, err := ensureWithin(workDir, args[0])
			if err != nil {
				return err
			}
			publishDir, err := ensureWithin(workDir, args[1])
			if err != nil {
				return err
			}
			patch, err := UpdatePublishedSettings(serverDir, publishDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s → %s\n", patch.Source, patch.Target)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tmplcheck v%s\n", version)
		},
	}
}
