package main

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Verification step names.
const (
	stepVerifyBuilt     = "verify built"
	stepVerifyPublished = "verify published"
	stepVerifyServed    = "verify served"
	stepVerifyOffline   = "verify offline"
	stepAcquire         = "acquire project"
	stepBrowser         = "open browser"
)

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Scenario          string
	ProjectName       string
	ProjectDir        string
	Passed            bool
	FailedStep        string
	FinalState        State
	Err               error
	Duration          time.Duration
	BrowserSkipped    bool
	BrowserSkipReason string
	History           []Transition
}

// BrowserFactory opens a browser session for one scenario.
type BrowserFactory func(settings BrowserSettings, executable string) (Browser, error)

func newChromeBrowser(settings BrowserSettings, executable string) (Browser, error) {
	bs, err := NewBrowserSession(settings, executable)
	if err != nil {
		return nil, err
	}
	return bs, nil
}

// ScenarioOptions configures a ScenarioRunner.
type ScenarioOptions struct {
	Browser  BrowserSettings
	Driver   DriverOptions
	Parallel int
}

// ScenarioRunner runs variants end to end: create, publish, build, migrate,
// run and verify, then teardown.
type ScenarioRunner struct {
	factory    *ProjectFactory
	probe      StatusProbe
	support    BrowserSupport
	opts       ScenarioOptions
	log        *log.Logger
	events     *RunLogger
	cleanup    *CleanupCoordinator
	newBrowser BrowserFactory
}

// NewScenarioRunner creates a runner. logger, events and cleanup may be nil.
func NewScenarioRunner(factory *ProjectFactory, probe StatusProbe, support BrowserSupport, opts ScenarioOptions, logger *log.Logger, events *RunLogger, cleanup *CleanupCoordinator) *ScenarioRunner {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	return &ScenarioRunner{
		factory:    factory,
		probe:      probe,
		support:    support,
		opts:       opts,
		log:        logger,
		events:     events,
		cleanup:    cleanup,
		newBrowser: newChromeBrowser,
	}
}

// RunAll runs variants with at most opts.Parallel scenarios at once.
// Results are returned in the order of variants.
func (r *ScenarioRunner) RunAll(ctx context.Context, variants []Variant) []*ScenarioResult {
	results := make([]*ScenarioResult, len(variants))

	var g errgroup.Group
	g.SetLimit(r.opts.Parallel)
	for i, v := range variants {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = &ScenarioResult{Scenario: v.Name, FailedStep: "cancelled", FinalState: StateNew, Err: err}
				return nil
			}
			results[i] = r.Run(ctx, v)
			return nil
		})
	}
	g.Wait()
	return results
}

// Run executes one scenario. Processes and the browser session are released
// on every path.
func (r *ScenarioRunner) Run(ctx context.Context, variant Variant) *ScenarioResult {
	start := time.Now()
	scenario := variant.Name
	logger := r.log.With("scenario", scenario)
	result := &ScenarioResult{Scenario: scenario}

	project, err := r.factory.GetOrCreateProject(variant, scenario)
	if err != nil {
		logger.Error("cannot acquire project", "error", err)
		result.FailedStep = stepAcquire
		result.FinalState = StateFailed
		result.Err = err
		result.Duration = time.Since(start)
		r.events.ScenarioStart(scenario, "")
		r.events.ScenarioEnd(scenario, false, stepAcquire, err, result.Duration)
		return result
	}
	result.ProjectName = project.Name
	result.ProjectDir = project.OutputDir

	plog := logger.With("project", project.Name)
	output := newLineWriter(plog)
	project.SetOutput(output)
	defer output.Flush()

	r.events.ScenarioStart(scenario, project.Name)
	plog.Info("scenario started", "variant", variant.Name, "reused", project.Reused)

	driver := NewDriver(scenario, variant, project, r.probe, plog, r.events, r.opts.Driver)
	err = r.execute(ctx, driver, variant, plog, result)
	if stopErr := driver.Stop(); stopErr != nil && err == nil {
		driver.Abort("stop", stopErr)
		err = stopErr
	}
	driver.ReleaseServePort()

	result.Passed = err == nil
	result.Err = err
	result.FailedStep = driver.FailedStep()
	result.FinalState = driver.State()
	result.History = driver.Lifecycle().History()
	result.Duration = time.Since(start)

	if merr := r.factory.MarkResult(project, result.Passed); merr != nil {
		plog.Warn("failed to record project", "error", merr)
		r.events.Warning(scenario, "failed to record project: "+merr.Error())
	}
	r.events.ScenarioEnd(scenario, result.Passed, result.FailedStep, err, result.Duration)
	if result.Passed {
		plog.Info("scenario passed", "duration", FormatDuration(result.Duration))
	} else {
		plog.Error("scenario failed", "step", result.FailedStep, "kind", KindOf(err))
	}
	return result
}

func (r *ScenarioRunner) execute(ctx context.Context, d *Driver, variant Variant, logger *log.Logger, result *ScenarioResult) error {
	if err := d.Create(ctx); err != nil {
		return err
	}
	if err := d.Publish(ctx); err != nil {
		return err
	}
	if err := d.Build(ctx); err != nil {
		return err
	}
	if err := d.Migrate(ctx); err != nil {
		return err
	}

	verifier, closeBrowser, err := r.openVerifier(d.Scenario, logger)
	if err != nil {
		d.Abort(stepBrowser, err)
		return err
	}
	defer closeBrowser()
	if !verifier.BrowserAvailable() {
		result.BrowserSkipped = true
		result.BrowserSkipReason = verifier.support.Reason
	}

	appName := d.Project.Name

	url, err := d.Start(ctx, StartBuilt)
	if err != nil {
		return err
	}
	if err := d.Verify(ctx, stepVerifyBuilt, url, func(ctx context.Context, baseURL string) error {
		_, err := verifier.VerifyEndpoint(ctx, baseURL, appName, variant.DrivesAuthFlow())
		return err
	}); err != nil {
		return err
	}
	if err := d.Stop(); err != nil {
		d.Abort("stop", err)
		return err
	}

	if variant.ServesStatically() {
		return r.verifyServed(ctx, d, variant, verifier, appName)
	}

	if variant.DrivesAuthFlow() {
		if err := d.PatchPublishedSettings(); err != nil {
			return err
		}
	}
	url, err = d.Start(ctx, StartPublished)
	if err != nil {
		return err
	}
	return d.Verify(ctx, stepVerifyPublished, url, func(ctx context.Context, baseURL string) error {
		_, err := verifier.VerifyEndpoint(ctx, baseURL, appName, variant.DrivesAuthFlow())
		return err
	})
}

// verifyServed serves the published static output, verifies it and, for
// offline-capable variants, replays the navigation with the server stopped.
func (r *ScenarioRunner) verifyServed(ctx context.Context, d *Driver, variant Variant, verifier *Verifier, appName string) error {
	url, err := d.Start(ctx, StartServe)
	if err != nil {
		return err
	}

	var live *Observation
	if err := d.Verify(ctx, stepVerifyServed, url, func(ctx context.Context, baseURL string) error {
		obs, err := verifier.VerifyEndpoint(ctx, baseURL, appName, false)
		live = obs
		return err
	}); err != nil {
		return err
	}

	if !variant.VerifiesOffline() {
		return nil
	}
	if err := d.Stop(); err != nil {
		d.Abort("stop", err)
		return err
	}
	return d.Verify(ctx, stepVerifyOffline, url, func(ctx context.Context, baseURL string) error {
		_, err := verifier.VerifyOffline(ctx, baseURL, appName, live)
		return err
	})
}

// openVerifier builds the scenario's verifier with its own browser session.
// A browser that fails to launch counts as unsupported, which the policy may
// turn into a failure.
func (r *ScenarioRunner) openVerifier(scenario string, logger *log.Logger) (*Verifier, func(), error) {
	support := r.support
	var browser Browser
	if support.Supported {
		b, err := r.newBrowser(r.opts.Browser, support.Executable)
		if err != nil {
			support = BrowserSupport{Reason: err.Error(), Executable: support.Executable}
			if perr := EnforceBrowserPolicy(support, r.opts.Browser.Required); perr != nil {
				return nil, nil, err
			}
			logger.Warn("browser failed to start", "error", err)
		} else {
			browser = b
			r.cleanup.AddBrowser(b)
		}
	}

	v := NewVerifier(scenario, browser, r.probe, VerifierOptions{
		Support:       support,
		Required:      r.opts.Browser.Required,
		SettleTimeout: r.opts.Browser.SettleTimeout,
		StepTimeout:   r.opts.Browser.StepTimeout,
	}, logger, r.events)

	closeBrowser := func() {
		if browser == nil {
			return
		}
		if err := browser.Close(); err != nil {
			logger.Debug("browser close failed", "error", err)
		}
		r.cleanup.RemoveBrowser(browser)
	}
	return v, closeBrowser, nil
}
