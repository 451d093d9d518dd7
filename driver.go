package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// StatusProbe is the HTTP gate the driver and verifier use.
type StatusProbe interface {
	AssertStatusCode(ctx context.Context, baseURL, path string, want int, contentType string) (*ProbeResult, error)
	IsReady(ctx context.Context, url string) bool
}

// StartMode selects which artifact a run step launches.
type StartMode string

const (
	StartBuilt     StartMode = "run built"
	StartPublished StartMode = "run published"
	StartServe     StartMode = "serve published"
)

// DriverOptions tunes the lifecycle driver.
type DriverOptions struct {
	Template          string
	MigrationName     string
	StartupTimeout    time.Duration
	ServeReadyTimeout time.Duration

	// ServeSettle is how long the static server must stay alive after its
	// port first answers.
	ServeSettle time.Duration

	// ListenGrace bounds the wait for the remaining listen addresses once
	// the first one is announced.
	ListenGrace time.Duration
}

// Driver sequences the lifecycle steps of one scenario against a project.
type Driver struct {
	Scenario string
	Variant  Variant
	Project  *Project
	// Server is the project that is published, built and run: the Server
	// sub-project for hosted variants, otherwise Project itself.
	Server *Project

	lc          *Lifecycle
	probe       StatusProbe
	log         *log.Logger
	events      *RunLogger
	opts        DriverOptions
	failedStep  string
	activeLabel string
	releasePort func()
}

// NewDriver creates a driver in StateNew. logger and events may be nil.
func NewDriver(scenario string, variant Variant, project *Project, probe StatusProbe, logger *log.Logger, events *RunLogger, opts DriverOptions) *Driver {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.MigrationName == "" {
		opts.MigrationName = "blazorwasm"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 60 * time.Second
	}
	if opts.ServeReadyTimeout <= 0 {
		opts.ServeReadyTimeout = 30 * time.Second
	}
	if opts.ServeSettle <= 0 {
		opts.ServeSettle = 2 * time.Second
	}
	if opts.ListenGrace <= 0 {
		opts.ListenGrace = 2 * time.Second
	}
	d := &Driver{
		Scenario: scenario,
		Variant:  variant,
		Project:  project,
		Server:   project,
		probe:    probe,
		log:      logger,
		events:   events,
		opts:     opts,
	}
	d.lc = NewLifecycle(func(from, to State) {
		d.log.Debug("state change", "from", from, "to", to)
		d.events.StateChange(scenario, string(from), string(to))
	})
	return d
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return d.lc.State()
}

// Lifecycle exposes the state machine.
func (d *Driver) Lifecycle() *Lifecycle {
	return d.lc
}

// FailedStep returns the name of the step that failed, if any.
func (d *Driver) FailedStep() string {
	return d.failedStep
}

// failureTailLines is how much tool output a failed step echoes to the console.
// The full output stays on the error.
const failureTailLines = 10

func (d *Driver) step(name string, fn func() error) error {
	start := time.Now()
	d.events.StepStart(d.Scenario, name, d.Server.Name)
	d.log.Info("step", "step", name)

	err := fn()
	d.events.StepEnd(d.Scenario, name, err, time.Since(start))
	if err != nil {
		d.log.Error("step failed", "step", name, "kind", KindOf(err), "duration", FormatDuration(time.Since(start)))
		if he, ok := AsHarnessError(err); ok && he.Output != "" {
			d.log.Error("last output", "step", name, "output", recentLines(strings.TrimRight(he.Output, "\n"), failureTailLines))
		}
		d.Abort(name, err)
		return err
	}
	d.log.Debug("step done", "step", name, "duration", FormatDuration(time.Since(start)))
	return nil
}

// Abort stops any live process and moves the scenario to StateFailed.
// Aborting an already failed scenario is a no-op.
func (d *Driver) Abort(step string, cause error) {
	if d.lc.State() == StateFailed {
		return
	}
	if d.failedStep == "" {
		d.failedStep = step
	}
	d.stopActive()
	if s := d.lc.State(); s == StateRunning || s == StateVerified {
		d.lc.Transition(StateStopped)
	}
	d.lc.Fail(cause)
}

func (d *Driver) requireSuccess(p *Project, step string, result *ProcessResult, err error) error {
	if err != nil {
		if he, ok := AsHarnessError(err); ok && he.Project == "" {
			he.Project = p.Name
		}
		return err
	}
	if !result.Succeeded() {
		return ToolFailure(p.Name, step, result)
	}
	return nil
}

// Create materializes the template, restores packages and prepares the server
// project. A reused project skips materialization.
func (d *Driver) Create(ctx context.Context) error {
	return d.step("create", func() error {
		if err := d.lc.Require("create", StateNew); err != nil {
			return err
		}

		if d.Project.Reused {
			d.log.Info("reusing project", "dir", d.Project.OutputDir)
		} else {
			template := d.Variant.Template
			if template == "" {
				template = d.opts.Template
			}
			res, err := d.Project.RunNew(ctx, template, d.Variant.TemplateArgs())
			if err := d.requireSuccess(d.Project, "create", res, err); err != nil {
				return err
			}
			res, err = d.Project.RunRestore(ctx)
			if err := d.requireSuccess(d.Project, "restore", res, err); err != nil {
				return err
			}
		}

		if d.Variant.Hosted {
			server, err := d.Project.SubProject("Server", d.Project.Name+".Server")
			if err != nil {
				return err
			}
			d.Server = server
		}

		if d.Variant.ExpectsSQLite() {
			csproj, err := d.Server.ReadFile(d.Server.Name + ".csproj")
			if err != nil {
				return err
			}
			if !strings.Contains(csproj, ".db") {
				return StructuralFailure(d.Server.Name, "sqlite database referenced",
					filepath.Join(d.Server.OutputDir, d.Server.Name+".csproj"), "server project does not reference a .db file")
			}
		}

		if d.Variant.NeedsMigration() {
			patch, err := PatchClientRegistration(d.Server.OutputDir, d.Server.Name)
			if err != nil {
				return err
			}
			d.events.ConfigPatch(d.Scenario, patch)
			d.log.Debug("renamed client registration", "from", patch.From, "to", patch.To)
		}

		return d.lc.Transition(StateCreated)
	})
}

// Publish produces the release output and checks its structure.
func (d *Driver) Publish(ctx context.Context) error {
	return d.step("publish", func() error {
		if err := d.lc.Require("publish", StateCreated); err != nil {
			return err
		}
		res, err := d.Server.RunPublish(ctx)
		if err := d.requireSuccess(d.Server, "publish", res, err); err != nil {
			return err
		}
		if err := d.AssertPublishOutput(); err != nil {
			return err
		}
		return d.lc.Transition(StatePublished)
	})
}

// Offline worker artifacts of a published PWA.
const (
	serviceWorkerPublished = "service-worker.published.js"
	serviceWorker          = "service-worker.js"
	serviceWorkerAssets    = "service-worker-assets.js"
)

// AssertPublishOutput checks the entry artifact and, for PWA variants, the
// service worker files.
func (d *Driver) AssertPublishOutput() error {
	static := d.Variant.ServesStatically()
	entry := d.Server.EntryArtifact(static)
	if !fileExists(entry) {
		return StructuralFailure(d.Server.Name, "entry artifact published", entry,
			"publish output does not contain the runtime entry artifact")
	}

	if !d.Variant.PWA {
		return nil
	}
	root := d.Server.StaticWebRoot()
	if p := filepath.Join(root, serviceWorkerPublished); fileExists(p) {
		return StructuralFailure(d.Server.Name, "intermediate service worker absent", p,
			serviceWorkerPublished+" should not be published")
	}
	for _, name := range []string{serviceWorker, serviceWorkerAssets} {
		if p := filepath.Join(root, name); !fileExists(p) {
			return StructuralFailure(d.Server.Name, "service worker published", p, name+" should be published")
		}
	}
	return nil
}

// Build produces the debug output.
func (d *Driver) Build(ctx context.Context) error {
	return d.step("build", func() error {
		if err := d.lc.Require("build", StatePublished); err != nil {
			return err
		}
		res, err := d.Server.RunBuild(ctx)
		if err := d.requireSuccess(d.Server, "build", res, err); err != nil {
			return err
		}
		if err := d.AssertBuildOutput(); err != nil {
			return err
		}
		return d.lc.Transition(StateBuilt)
	})
}

// AssertBuildOutput checks the debug assembly landed in the debug tree and the
// release publish is still intact.
func (d *Driver) AssertBuildOutput() error {
	assembly := filepath.Join(d.Server.BuildDir(), d.Server.Name+".dll")
	if !fileExists(assembly) {
		return StructuralFailure(d.Server.Name, "debug assembly built", assembly,
			"debug build output does not contain the project assembly")
	}
	return d.AssertPublishOutput()
}

// Migrate generates a migration, asserts it is empty and, for LocalDB
// variants, applies it. Variants without local accounts skip this step.
func (d *Driver) Migrate(ctx context.Context) error {
	if !d.Variant.NeedsMigration() {
		return nil
	}
	return d.step("migrate", func() error {
		if err := d.lc.Require("migrate", StateBuilt); err != nil {
			return err
		}

		name := d.opts.MigrationName
		if d.Project.Reused && d.migrationExists(name) {
			d.log.Info("migration already generated", "name", name)
		} else {
			res, err := d.Server.RunMigrationAdd(ctx, name)
			if err := d.requireSuccess(d.Server, "run EF migrations", res, err); err != nil {
				return err
			}
		}
		if err := d.Server.AssertEmptyMigration(name); err != nil {
			return err
		}

		if d.Variant.LocalDB {
			res, err := d.Server.RunDatabaseUpdate(ctx)
			if err := d.requireSuccess(d.Server, "update database", res, err); err != nil {
				return err
			}
		}
		return d.lc.Transition(StateMigrated)
	})
}

func (d *Driver) migrationExists(name string) bool {
	entries, err := os.ReadDir(filepath.Join(d.Server.OutputDir, "Data", "Migrations"))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), name+".cs") {
			return true
		}
	}
	return false
}

// Start launches an artifact and waits until it serves. It returns the base
// URL to verify against.
func (d *Driver) Start(ctx context.Context, mode StartMode) (string, error) {
	var baseURL string
	err := d.step(string(mode), func() error {
		if err := d.lc.Require(string(mode), StateBuilt, StateMigrated, StateStopped); err != nil {
			return err
		}

		var proc Process
		var err error
		switch mode {
		case StartBuilt:
			proc, err = d.Server.StartBuilt(ctx)
		case StartPublished:
			proc, err = d.Server.StartPublished(ctx)
		case StartServe:
			if d.releasePort == nil {
				d.log.Debug("waiting for serve port", "url", d.Server.tools.ServeURL)
				release, lerr := d.Server.AcquireServePort(ctx)
				if lerr != nil {
					return lerr
				}
				d.releasePort = release
			}
			proc, err = d.Server.Serve(ctx)
		default:
			return PreconditionFailure("start", fmt.Sprintf("unknown start mode %q", mode))
		}
		if err != nil {
			return err
		}
		d.activeLabel = string(mode)
		d.events.ProcessStart(d.Scenario, string(mode), d.startCommand(mode), proc.Pid())
		if err := d.lc.Transition(StateRunning); err != nil {
			return err
		}

		start := time.Now()
		url, err := d.waitReady(ctx, mode, proc)
		if err != nil {
			return err
		}
		d.events.ProcessReady(d.Scenario, string(mode), url, time.Since(start))
		d.log.Info("serving", "url", url, "pid", proc.Pid())
		baseURL = url
		return nil
	})
	return baseURL, err
}

func (d *Driver) startCommand(mode StartMode) string {
	switch mode {
	case StartServe:
		return strings.Join(d.Server.tools.Serve, " ")
	case StartPublished:
		return d.Server.tools.Dotnet + " exec " + d.Server.Name + ".dll"
	default:
		return d.Server.tools.Dotnet + " run --no-build --no-launch-profile"
	}
}

var (
	errNotListening       = errors.New("no listen address announced yet")
	errPartiallyListening = errors.New("waiting for the remaining listen addresses")
)

func (d *Driver) waitReady(ctx context.Context, mode StartMode, proc Process) (string, error) {
	exited := func() error {
		if proc.HasExited() {
			return stopPolling(ProcessExited(d.Server.Name, string(mode), proc.Output()))
		}
		return nil
	}

	if mode == StartServe {
		return d.waitServing(ctx, mode, proc, exited)
	}

	var firstHeard time.Time
	err := Eventually(ctx, d.opts.StartupTimeout, func(ctx context.Context) error {
		if err := exited(); err != nil {
			return err
		}
		urls := proc.URLs()
		if len(urls) == 0 {
			return errNotListening
		}
		if announcedAllSchemes(urls) {
			return nil
		}
		if firstHeard.IsZero() {
			firstHeard = time.Now()
		}
		if time.Since(firstHeard) >= d.opts.ListenGrace {
			return nil
		}
		return errPartiallyListening
	})
	if err != nil {
		return "", d.notReady(mode, proc, err)
	}
	if proc.HasExited() {
		return "", ProcessExited(d.Server.Name, string(mode), proc.Output())
	}
	return PreferredURL(proc.URLs()), nil
}

// waitServing polls the static server's fixed URL. Any server on that port
// answers, so the process must also still be alive once ServeSettle passes.
func (d *Driver) waitServing(ctx context.Context, mode StartMode, proc Process, exited func() error) (string, error) {
	url := PreferredURL(proc.URLs())
	err := Eventually(ctx, d.opts.ServeReadyTimeout, func(ctx context.Context) error {
		if err := exited(); err != nil {
			return err
		}
		if !d.probe.IsReady(ctx, url) {
			return fmt.Errorf("%s is not answering", url)
		}
		return nil
	})
	if err != nil {
		return "", d.notReady(mode, proc, err)
	}

	settle := time.NewTimer(d.opts.ServeSettle)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
		return "", d.notReady(mode, proc, ctx.Err())
	}
	if proc.HasExited() {
		return "", ProcessExited(d.Server.Name, string(mode), proc.Output())
	}
	return url, nil
}

// announcedAllSchemes reports whether urls cover every scheme in dynamicListenURLs.
func announcedAllSchemes(urls []string) bool {
	for _, want := range strings.Split(dynamicListenURLs, ";") {
		scheme, _, _ := strings.Cut(want, "://")
		found := false
		for _, u := range urls {
			if strings.HasPrefix(u, scheme+"://") {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d *Driver) notReady(mode StartMode, proc Process, err error) error {
	if _, ok := AsHarnessError(err); ok {
		return err
	}
	return &HarnessError{
		Kind:    KindLaunch,
		Step:    string(mode),
		Project: d.Server.Name,
		Msg:     "process did not become ready",
		Output:  proc.Output(),
		Cause:   err,
	}
}

// Verify runs check against baseURL. It is legal while running, and after a
// stop for offline replays.
func (d *Driver) Verify(ctx context.Context, name string, baseURL string, check func(ctx context.Context, baseURL string) error) error {
	return d.step(name, func() error {
		if err := d.lc.Require(name, StateRunning, StateStopped); err != nil {
			return err
		}
		if err := check(ctx, baseURL); err != nil {
			return err
		}
		return d.lc.Transition(StateVerified)
	})
}

// PatchPublishedSettings writes the test signing-key settings into the publish output.
func (d *Driver) PatchPublishedSettings() error {
	return d.step("patch published settings", func() error {
		patch, err := UpdatePublishedSettings(d.Server.OutputDir, d.Server.PublishDir())
		if err != nil {
			return err
		}
		d.events.ConfigPatch(d.Scenario, patch)
		return nil
	})
}

// Stop terminates the live process and moves to StateStopped. Safe to call
// in any state; it only transitions from Running or Verified.
func (d *Driver) Stop() error {
	err := d.stopActive()
	if s := d.lc.State(); s == StateRunning || s == StateVerified {
		if terr := d.lc.Transition(StateStopped); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

// ReleaseServePort gives up the static server's port. The port stays held
// from the serve start through any offline replay, so call it after Stop.
func (d *Driver) ReleaseServePort() {
	if d.releasePort == nil {
		return
	}
	d.releasePort()
	d.releasePort = nil
}

func (d *Driver) stopActive() error {
	proc := d.Server.ActiveProcess()
	if proc == nil {
		return nil
	}
	err := d.Server.StopActive()
	d.events.ProcessStop(d.Scenario, d.activeLabel, proc.Pid(), err)
	if err != nil {
		d.log.Warn("stop failed", "pid", proc.Pid(), "error", err)
	}
	return err
}
