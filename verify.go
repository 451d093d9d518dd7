package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Observation is what one pass of the navigation script saw.
type Observation struct {
	Title         string
	Heading       string
	CounterBefore string
	CounterAfter  string
	FetchHeading  string
	Rows          int
	LoggedIn      bool
}

func (o *Observation) String() string {
	if o == nil {
		return "<none>"
	}
	return fmt.Sprintf("title=%q heading=%q counter=%q->%q fetch=%q rows=%d",
		o.Title, o.Heading, o.CounterBefore, o.CounterAfter, o.FetchHeading, o.Rows)
}

// Equivalent compares the observable results of two passes. Login state is
// not compared; the offline replay never authenticates.
func (o *Observation) Equivalent(other *Observation) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Title == other.Title &&
		o.Heading == other.Heading &&
		o.CounterBefore == other.CounterBefore &&
		o.CounterAfter == other.CounterAfter &&
		o.FetchHeading == other.FetchHeading &&
		o.Rows == other.Rows
}

// Expected page content of the scaffolded app.
const (
	homeHeading        = "Hello, world!"
	counterHeading     = "Counter"
	counterInitial     = "Current count: 0"
	counterIncremented = "Current count: 1"
	fetchHeading       = "Weather forecast"
	forecastRows       = 5
	testPassword       = "!Test.Password1$"
)

// Verifier composes the HTTP probe and the browser into the navigation script.
type Verifier struct {
	Scenario string
	browser  Browser
	probe    StatusProbe
	support  BrowserSupport
	required bool
	settle   time.Duration
	step     time.Duration
	log      *log.Logger
	events   *RunLogger
}

// VerifierOptions configures a Verifier.
type VerifierOptions struct {
	Support       BrowserSupport
	Required      bool
	SettleTimeout time.Duration
	StepTimeout   time.Duration
}

// NewVerifier creates a verifier. browser may be nil when unsupported.
func NewVerifier(scenario string, browser Browser, probe StatusProbe, opts VerifierOptions, logger *log.Logger, events *RunLogger) *Verifier {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 30 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if browser == nil && opts.Support.Supported {
		opts.Support = BrowserSupport{Reason: "no browser session"}
	}
	return &Verifier{
		Scenario: scenario,
		browser:  browser,
		probe:    probe,
		support:  opts.Support,
		required: opts.Required,
		settle:   opts.SettleTimeout,
		step:     opts.StepTimeout,
		log:      logger,
		events:   events,
	}
}

// BrowserAvailable reports whether browser steps will run.
func (v *Verifier) BrowserAvailable() bool {
	return v.support.Supported && v.browser != nil
}

// skipBrowser applies the support policy. It returns (true, nil) when the
// browser steps should be skipped and (false, err) when the skip is not allowed.
func (v *Verifier) skipBrowser() (bool, error) {
	if v.BrowserAvailable() {
		return false, nil
	}
	if err := EnforceBrowserPolicy(v.support, v.required); err != nil {
		return false, err
	}
	v.log.Warn("skipping browser steps", "reason", v.support.Reason)
	v.events.BrowserSkip(v.Scenario, v.support.Reason)
	return true, nil
}

// VerifyEndpoint checks that baseURL serves HTML, then runs the navigation
// script in the browser. A nil observation means the browser was skipped.
func (v *Verifier) VerifyEndpoint(ctx context.Context, baseURL, appName string, usesAuth bool) (*Observation, error) {
	res, err := v.probe.AssertStatusCode(ctx, baseURL, "/", http.StatusOK, "text/html")
	status, contentType := 0, ""
	if res != nil {
		status, contentType = res.StatusCode, res.ContentType
	}
	v.events.Probe(v.Scenario, baseURL+"/", status, contentType, err)
	if err != nil {
		return nil, err
	}

	if skip, err := v.skipBrowser(); skip || err != nil {
		return nil, err
	}

	return v.browse(ctx, baseURL, appName, usesAuth, func(ctx context.Context) error {
		return v.browser.Navigate(ctx, baseURL)
	})
}

// VerifyOffline replays the navigation script with no server running. A
// blank page is loaded first so the replay cannot be answered from the
// browser's HTTP cache. The result must match expected.
func (v *Verifier) VerifyOffline(ctx context.Context, baseURL, appName string, expected *Observation) (*Observation, error) {
	if skip, err := v.skipBrowser(); skip || err != nil {
		return nil, err
	}

	obs, err := v.browse(ctx, baseURL, appName, false, func(ctx context.Context) error {
		if err := v.browser.Navigate(ctx, "about:blank"); err != nil {
			return err
		}
		return v.browser.Navigate(ctx, baseURL)
	})
	if err != nil {
		return obs, err
	}
	if expected != nil && !expected.Equivalent(obs) {
		return obs, VerificationFailure("offline replay", expected.String(), obs.String())
	}
	return obs, nil
}

func (v *Verifier) browse(ctx context.Context, baseURL, appName string, usesAuth bool, open func(ctx context.Context) error) (*Observation, error) {
	v.events.BrowserStart(v.Scenario, baseURL)
	v.log.Info("opening browser", "url", baseURL)

	if err := v.do(ctx, "open", open); err != nil {
		return nil, v.browserFailed(ctx, err)
	}
	obs, err := v.BasicNavigation(ctx, appName, usesAuth)
	if err != nil {
		return obs, v.browserFailed(ctx, err)
	}
	v.events.BrowserEnd(v.Scenario, true, len(v.browser.ConsoleErrors()))
	return obs, nil
}

// browserFailed attaches console exceptions and a screenshot to err.
func (v *Verifier) browserFailed(ctx context.Context, err error) error {
	consoleErrors := v.browser.ConsoleErrors()
	v.events.BrowserEnd(v.Scenario, false, len(consoleErrors))

	he, ok := AsHarnessError(err)
	if !ok {
		he = &HarnessError{Kind: KindVerification, Step: "browser", Msg: "browser action failed", Cause: err}
	}
	var extra []string
	if len(consoleErrors) > 0 {
		extra = append(extra, "browser console errors:")
		for _, e := range consoleErrors {
			extra = append(extra, "  "+e)
		}
	}
	if path, serr := v.browser.Screenshot(ctx, v.Scenario+"-"+he.Step); serr == nil {
		extra = append(extra, "screenshot: "+path)
	} else {
		v.log.Debug("screenshot failed", "error", serr)
	}
	if len(extra) > 0 {
		if he.Output != "" && !strings.HasSuffix(he.Output, "\n") {
			he.Output += "\n"
		}
		he.Output += strings.Join(extra, "\n")
	}
	return he
}

// do runs one browser action and logs it.
func (v *Verifier) do(ctx context.Context, action string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	details := map[string]interface{}{"elapsed_ms": time.Since(start).Milliseconds()}
	if err != nil {
		details["error"] = err.Error()
	}
	v.events.BrowserStep(v.Scenario, action, err == nil, details)
	if err != nil {
		return &HarnessError{Kind: KindVerification, Step: action, Msg: "browser action failed", Cause: err}
	}
	return nil
}

// expectText polls get until it returns want.
func (v *Verifier) expectText(ctx context.Context, name, want string, timeout time.Duration, get func(ctx context.Context) (string, error)) (string, error) {
	var got string
	err := v.do(ctx, name, func(ctx context.Context) error {
		return Eventually(ctx, timeout, func(ctx context.Context) error {
			actual, err := get(ctx)
			if err != nil {
				return VerificationFailure(name, want, "<"+err.Error()+">")
			}
			got = actual
			if actual != want {
				return VerificationFailure(name, want, actual)
			}
			return nil
		})
	})
	return got, unwrapVerification(err)
}

// expectContains polls get until its result contains want.
func (v *Verifier) expectContains(ctx context.Context, name, want string, get func(ctx context.Context) (string, error)) error {
	err := v.do(ctx, name, func(ctx context.Context) error {
		return Eventually(ctx, v.step, func(ctx context.Context) error {
			actual, err := get(ctx)
			if err != nil {
				return VerificationFailure(name, "contains "+want, "<"+err.Error()+">")
			}
			if !strings.Contains(actual, want) {
				return VerificationFailure(name, "contains "+want, actual)
			}
			return nil
		})
	})
	return unwrapVerification(err)
}

// expectCount polls until selector matches exactly want elements.
func (v *Verifier) expectCount(ctx context.Context, name, selector string, want int) (int, error) {
	var got int
	err := v.do(ctx, name, func(ctx context.Context) error {
		return Eventually(ctx, v.step, func(ctx context.Context) error {
			n, err := v.browser.Count(ctx, selector)
			if err != nil {
				return VerificationFailure(name, strconv.Itoa(want), "<"+err.Error()+">")
			}
			got = n
			if n != want {
				return VerificationFailure(name, strconv.Itoa(want), strconv.Itoa(n))
			}
			return nil
		})
	})
	return got, unwrapVerification(err)
}

// expectPresent polls until selector matches at least one element.
func (v *Verifier) expectPresent(ctx context.Context, name, selector string, timeout time.Duration) error {
	err := v.do(ctx, name, func(ctx context.Context) error {
		return Eventually(ctx, timeout, func(ctx context.Context) error {
			n, err := v.browser.Count(ctx, selector)
			if err != nil {
				return VerificationFailure(name, selector+" present", "<"+err.Error()+">")
			}
			if n == 0 {
				return VerificationFailure(name, selector+" present", "absent")
			}
			return nil
		})
	})
	return unwrapVerification(err)
}

// unwrapVerification returns the inner assertion failure of a wrapped poll
// so the report shows expected vs actual rather than the wrapper.
func unwrapVerification(err error) error {
	if err == nil {
		return nil
	}
	he, ok := err.(*HarnessError)
	if !ok {
		return err
	}
	if inner, ok := AsHarnessError(he.Cause); ok {
		return inner
	}
	return he
}

func (v *Verifier) textOf(selector string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return v.browser.Text(ctx, selector)
	}
}

func (v *Verifier) title(ctx context.Context) (string, error) {
	t, err := v.browser.Title(ctx)
	return strings.TrimSpace(t), err
}

// BasicNavigation runs the navigation script against the page already open.
func (v *Verifier) BasicNavigation(ctx context.Context, appName string, usesAuth bool) (*Observation, error) {
	obs := &Observation{}
	appName = strings.TrimSpace(appName)

	// Start logged out
	if usesAuth {
		if err := v.do(ctx, "clear session", v.browser.ClearSession); err != nil {
			return obs, err
		}
	}

	// Wait for the client app to take over the prerendered markup
	if err := v.expectPresent(ctx, "app rendered", "ul", v.settle); err != nil {
		return obs, err
	}

	var err error
	if obs.Title, err = v.expectText(ctx, "title", appName, v.step, v.title); err != nil {
		return obs, err
	}
	if obs.Heading, err = v.expectText(ctx, "home heading", homeHeading, v.step, v.textOf("h1")); err != nil {
		return obs, err
	}

	if err := v.clickLink(ctx, "Counter"); err != nil {
		return obs, err
	}
	if err := v.expectContains(ctx, "counter url", "counter", v.browser.URL); err != nil {
		return obs, err
	}
	if _, err := v.expectText(ctx, "counter heading", counterHeading, v.step, v.textOf("h1")); err != nil {
		return obs, err
	}
	if obs.CounterBefore, err = v.expectText(ctx, "initial count", counterInitial, v.step, v.textOf("h1 + p")); err != nil {
		return obs, err
	}
	if err := v.do(ctx, "increment", func(ctx context.Context) error {
		return v.browser.Click(ctx, "p+button")
	}); err != nil {
		return obs, err
	}
	if obs.CounterAfter, err = v.expectText(ctx, "incremented count", counterIncremented, v.step, v.textOf("h1 + p")); err != nil {
		return obs, err
	}

	if usesAuth {
		if err := v.registerAndLogin(ctx, appName); err != nil {
			return obs, err
		}
		obs.LoggedIn = true
	}

	if err := v.clickLink(ctx, "Fetch data"); err != nil {
		return obs, err
	}
	if err := v.expectContains(ctx, "fetch data url", "fetchdata", v.browser.URL); err != nil {
		return obs, err
	}
	if obs.FetchHeading, err = v.expectText(ctx, "fetch data heading", fetchHeading, v.step, v.textOf("h1")); err != nil {
		return obs, err
	}
	if err := v.expectPresent(ctx, "forecast loaded", "table>tbody>tr", v.step); err != nil {
		return obs, err
	}
	if obs.Rows, err = v.expectCount(ctx, "forecast rows", "p+table>tbody>tr", forecastRows); err != nil {
		return obs, err
	}

	return obs, nil
}

func (v *Verifier) clickLink(ctx context.Context, text string) error {
	return v.do(ctx, "click "+text, func(ctx context.Context) error {
		return v.browser.ClickLink(ctx, text)
	})
}

func (v *Verifier) fill(ctx context.Context, field, value string) error {
	return v.do(ctx, "fill "+field, func(ctx context.Context) error {
		return v.browser.Fill(ctx, fmt.Sprintf(`[name=%q]`, field), value)
	})
}

// registerAndLogin drives register, confirm and login with a fresh account.
func (v *Verifier) registerAndLogin(ctx context.Context, appName string) error {
	if err := v.clickLink(ctx, "Log in"); err != nil {
		return err
	}
	if err := v.expectContains(ctx, "login url", "/Identity/Account/Login", v.browser.URL); err != nil {
		return err
	}
	if err := v.clickLink(ctx, "Register as a new user"); err != nil {
		return err
	}

	userName := uuid.NewString() + "@example.com"
	v.log.Debug("registering test user", "user", userName)

	if err := v.expectPresent(ctx, "register form", `[name="Input.Email"]`, v.step); err != nil {
		return err
	}
	if err := v.fill(ctx, "Input.Email", userName); err != nil {
		return err
	}
	if err := v.fill(ctx, "Input.Password", testPassword); err != nil {
		return err
	}
	if err := v.fill(ctx, "Input.ConfirmPassword", testPassword); err != nil {
		return err
	}
	if err := v.do(ctx, "submit registration", func(ctx context.Context) error {
		return v.browser.Click(ctx, "#registerSubmit")
	}); err != nil {
		return err
	}

	if err := v.expectContains(ctx, "register confirmation url", "/Identity/Account/RegisterConfirmation", v.browser.URL); err != nil {
		return err
	}
	if err := v.clickLink(ctx, "Click here to confirm your account"); err != nil {
		return err
	}
	if err := v.expectContains(ctx, "confirm email url", "/Identity/Account/ConfirmEmail", v.browser.URL); err != nil {
		return err
	}

	if err := v.clickLink(ctx, "Login"); err != nil {
		return err
	}
	if err := v.expectPresent(ctx, "login form", `[name="Input.Email"]`, v.step); err != nil {
		return err
	}
	if err := v.fill(ctx, "Input.Email", userName); err != nil {
		return err
	}
	if err := v.fill(ctx, "Input.Password", testPassword); err != nil {
		return err
	}
	if err := v.do(ctx, "submit login", func(ctx context.Context) error {
		return v.browser.Click(ctx, "#login-submit")
	}); err != nil {
		return err
	}

	// The authenticated layout only shows after a fresh navigation
	current, err := v.browser.URL(ctx)
	if err != nil {
		return v.do(ctx, "read url", func(context.Context) error { return err })
	}
	root, err := originOf(current)
	if err != nil {
		return VerificationFailure("origin", "absolute url", current)
	}
	if err := v.do(ctx, "navigate root", func(ctx context.Context) error {
		return v.browser.Navigate(ctx, root)
	}); err != nil {
		return err
	}
	_, err = v.expectText(ctx, "title after login", appName, v.step, v.title)
	return err
}

// originOf returns scheme://host[:port] of raw.
func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %s", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
