package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scenarioFixture struct {
	dotnet   *fakeDotnet
	launcher *fakeLauncher
	probe    *fakeProbe
	factory  *ProjectFactory

	mu       sync.Mutex
	browsers []*fakeBrowser
}

func newScenarioFixture(t *testing.T) *scenarioFixture {
	t.Helper()
	fx := &scenarioFixture{
		dotnet:   newFakeDotnet(),
		launcher: newFakeLauncher(),
		probe:    &fakeProbe{},
	}
	f, err := NewProjectFactory(FactoryOptions{WorkDir: t.TempDir()}, testToolchain(), newTestLockRegistry(t), fx.dotnet, fx.launcher)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fx.factory = f
	return fx
}

func (fx *scenarioFixture) runner(support BrowserSupport, required bool, parallel int) *ScenarioRunner {
	r := NewScenarioRunner(fx.factory, fx.probe, support, ScenarioOptions{
		Browser: BrowserSettings{
			Enabled:       true,
			Headless:      true,
			Required:      required,
			SettleTimeout: 300 * time.Millisecond,
			StepTimeout:   300 * time.Millisecond,
		},
		Driver:   fastDriverOptions,
		Parallel: parallel,
	}, nil, nil, NewCleanupCoordinator())

	// The app title is the project served at the page's origin. Pages seen
	// live are replayed from the worker cache once their server is gone.
	r.newBrowser = func(settings BrowserSettings, executable string) (Browser, error) {
		b := newFakeBrowser("")
		cached := make(map[string]string)
		b.title = func() string {
			if app := fx.launcher.appAt(b.origin); app != "" {
				cached[b.origin] = app
				return app
			}
			return cached[b.origin]
		}
		fx.mu.Lock()
		fx.browsers = append(fx.browsers, b)
		fx.mu.Unlock()
		return b, nil
	}
	return r
}

func TestScenarioRunner_AllVariantsPass(t *testing.T) {
	fx := newScenarioFixture(t)
	r := fx.runner(supportedBrowser, true, 1)

	variants := testVariants(t)
	results := r.RunAll(context.Background(), variants)

	if len(results) != len(variants) {
		t.Fatalf("expected %d results, got %d", len(variants), len(results))
	}
	for i, res := range results {
		if res.Scenario != variants[i].Name {
			t.Errorf("expected results in variant order, got %s at %d", res.Scenario, i)
		}
		if !res.Passed {
			t.Errorf("%s failed at %q: %v", res.Scenario, res.FailedStep, res.Err)
			continue
		}
		if res.FinalState != StateStopped {
			t.Errorf("%s: expected stopped, got %s", res.Scenario, res.FinalState)
		}
		if res.BrowserSkipped {
			t.Errorf("%s: browser should not be skipped", res.Scenario)
		}
	}

	if fx.launcher.running() != 0 {
		t.Error("expected every process stopped")
	}
	for _, b := range fx.browsers {
		if b.closed != 1 {
			t.Errorf("expected each browser closed once, got %d", b.closed)
		}
	}
	if len(fx.browsers) != len(variants) {
		t.Errorf("expected one browser per scenario, got %d", len(fx.browsers))
	}

	// PWA replays offline after the static server is stopped
	pwa := results[2]
	want := "new>created>published>built>running>verified>stopped>running>verified>stopped>verified>stopped"
	if got := statesOf(pwa.History); got != want {
		t.Errorf("expected pwa states %s, got %s", want, got)
	}
	hosted := results[3]
	want = "new>created>published>built>migrated>running>verified>stopped>running>verified>stopped"
	if got := statesOf(hosted.History); got != want {
		t.Errorf("expected hosted-individual states %s, got %s", want, got)
	}
}

func TestScenarioRunner_LaunchSequences(t *testing.T) {
	tests := []struct {
		variant string
		want    []string
	}{
		{"standalone", []string{"run built", "serve published"}},
		{"hosted", []string{"run built", "run published"}},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			fx := newScenarioFixture(t)
			res := fx.runner(supportedBrowser, false, 1).Run(context.Background(), testVariant(t, tt.variant))
			if !res.Passed {
				t.Fatalf("unexpected failure at %q: %v", res.FailedStep, res.Err)
			}
			labels := fx.launcher.labels()
			if len(labels) != len(tt.want) {
				t.Fatalf("expected launches %v, got %v", tt.want, labels)
			}
			for i := range labels {
				if labels[i] != tt.want[i] {
					t.Errorf("expected launches %v, got %v", tt.want, labels)
				}
			}
		})
	}
}

func TestScenarioRunner_BrowserUnsupportedSkips(t *testing.T) {
	fx := newScenarioFixture(t)
	r := fx.runner(BrowserSupport{Reason: "no Chrome or Chromium executable found on PATH"}, false, 3)

	results := r.RunAll(context.Background(), testVariants(t))
	for _, res := range results {
		if !res.Passed {
			t.Errorf("%s failed at %q: %v", res.Scenario, res.FailedStep, res.Err)
		}
		if !res.BrowserSkipped || res.BrowserSkipReason == "" {
			t.Errorf("%s: expected browser skip recorded", res.Scenario)
		}
	}
	if len(fx.browsers) != 0 {
		t.Error("no browser should be opened when unsupported")
	}
}

func TestScenarioRunner_ParallelStaticServersTakeTurns(t *testing.T) {
	fx := newScenarioFixture(t)
	r := fx.runner(supportedBrowser, true, 3)

	variants := []Variant{testVariant(t, "standalone"), testVariant(t, "pwa"), testVariant(t, "standalone-individual")}
	results := r.RunAll(context.Background(), variants)

	for _, res := range results {
		if !res.Passed {
			t.Errorf("%s failed at %q: %v", res.Scenario, res.FailedStep, res.Err)
		}
	}
	if n := fx.launcher.overlaps(); n != 0 {
		t.Errorf("expected static servers on the shared port one at a time, saw %d overlapping launches", n)
	}
	serves := 0
	for _, label := range fx.launcher.labels() {
		if label == string(StartServe) {
			serves++
		}
	}
	if serves != len(variants) {
		t.Errorf("expected %d serve launches, got %d", len(variants), serves)
	}
	if fx.launcher.running() != 0 {
		t.Error("expected every process stopped")
	}

	// The port is free again once the run is over
	locks := fx.factory.locks
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := locks.ServePort(testToolchain().ServeURL).Acquire(ctx)
	if err != nil {
		t.Fatalf("expected serve port released, got %v", err)
	}
	release()
}

func TestScenarioRunner_BrowserRequired(t *testing.T) {
	fx := newScenarioFixture(t)
	r := fx.runner(BrowserSupport{Reason: "headed browser requested but no display is available"}, true, 1)

	res := r.Run(context.Background(), testVariant(t, "hosted"))
	if res.Passed {
		t.Fatal("expected failure when the browser is required")
	}
	if KindOf(res.Err) != KindUnsupportedEnv || res.FailedStep != stepVerifyBuilt {
		t.Errorf("expected unsupported environment at %q, got %v at %q", stepVerifyBuilt, res.Err, res.FailedStep)
	}
	if res.FinalState != StateFailed {
		t.Errorf("expected failed, got %s", res.FinalState)
	}
	if fx.launcher.running() != 0 {
		t.Error("expected the server stopped before failing")
	}
}

func TestScenarioRunner_BrowserLaunchFailure(t *testing.T) {
	t.Run("optional", func(t *testing.T) {
		fx := newScenarioFixture(t)
		r := fx.runner(supportedBrowser, false, 1)
		r.newBrowser = func(BrowserSettings, string) (Browser, error) {
			return nil, errors.New("chrome failed to start: no usable sandbox")
		}
		res := r.Run(context.Background(), testVariant(t, "standalone"))
		if !res.Passed || !res.BrowserSkipped {
			t.Errorf("expected pass with browser skipped, got passed=%v skipped=%v (%v)", res.Passed, res.BrowserSkipped, res.Err)
		}
	})

	t.Run("required", func(t *testing.T) {
		fx := newScenarioFixture(t)
		r := fx.runner(supportedBrowser, true, 1)
		r.newBrowser = func(BrowserSettings, string) (Browser, error) {
			return nil, errors.New("chrome failed to start: no usable sandbox")
		}
		res := r.Run(context.Background(), testVariant(t, "standalone"))
		if res.Passed || res.FailedStep != stepBrowser || res.FinalState != StateFailed {
			t.Errorf("expected failure at %q, got passed=%v step=%q state=%s", stepBrowser, res.Passed, res.FailedStep, res.FinalState)
		}
	})
}

func TestScenarioRunner_VerificationFailureKeepsProject(t *testing.T) {
	fx := newScenarioFixture(t)
	r := fx.runner(supportedBrowser, true, 1)
	r.newBrowser = func(BrowserSettings, string) (Browser, error) {
		b := newFakeBrowser("Wrong title")
		fx.browsers = append(fx.browsers, b)
		return b, nil
	}

	res := r.Run(context.Background(), testVariant(t, "hosted"))
	if res.Passed || res.FailedStep != stepVerifyBuilt {
		t.Fatalf("expected failure at %q, got %q (%v)", stepVerifyBuilt, res.FailedStep, res.Err)
	}
	he, ok := AsHarnessError(res.Err)
	if !ok || he.Step != "title" {
		t.Errorf("expected title assertion, got %v", res.Err)
	}
	if fx.launcher.running() != 0 {
		t.Error("expected the server stopped after a failed verification")
	}
	if fx.browsers[0].closed != 1 {
		t.Error("expected browser closed on failure")
	}

	kept, err := fx.factory.Dispose()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kept) != 1 || kept[0] != res.ProjectDir {
		t.Errorf("expected failed project kept, got %v", kept)
	}
}

func TestScenarioRunner_ToolFailure(t *testing.T) {
	fx := newScenarioFixture(t)
	fx.dotnet.failures["publish"] = 1
	r := fx.runner(supportedBrowser, false, 1)

	res := r.Run(context.Background(), testVariant(t, "hosted"))
	if res.Passed || res.FailedStep != "publish" || KindOf(res.Err) != KindToolInvocation {
		t.Errorf("expected tool failure at publish, got %q (%v)", res.FailedStep, res.Err)
	}
	if len(fx.browsers) != 0 {
		t.Error("browser should not be opened before the build succeeds")
	}
	if fx.dotnet.count("build") != 0 {
		t.Error("later steps should not run")
	}
}

func TestScenarioRunner_CancelledRun(t *testing.T) {
	fx := newScenarioFixture(t)
	r := fx.runner(supportedBrowser, false, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := r.RunAll(ctx, testVariants(t)[:2])
	for _, res := range results {
		if res.Passed || res.FailedStep != "cancelled" {
			t.Errorf("expected %s cancelled, got %q", res.Scenario, res.FailedStep)
		}
	}
	if len(fx.dotnet.verbs()) != 0 {
		t.Error("no tool should run after cancellation")
	}
}
