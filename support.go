package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// BrowserSettings configures browser automation.
type BrowserSettings struct {
	Enabled        bool
	Required       bool
	Headless       bool
	ExecutablePath string
	ScreenshotDir  string
	SettleTimeout  time.Duration
	StepTimeout    time.Duration
}

// BrowserSupport describes whether browser automation can run here.
type BrowserSupport struct {
	Supported  bool
	Reason     string // why not, when unsupported
	Executable string
}

func (s BrowserSupport) String() string {
	if s.Supported {
		return "supported (" + s.Executable + ")"
	}
	return "unsupported: " + s.Reason
}

var browserCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
}

var browserAppPaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// DetectBrowserSupport reports whether a browser can be driven with settings.
func DetectBrowserSupport(settings BrowserSettings) BrowserSupport {
	if !settings.Enabled {
		return BrowserSupport{Reason: "browser automation disabled by configuration"}
	}

	exe, err := findBrowserExecutable(settings.ExecutablePath)
	if err != nil {
		return BrowserSupport{Reason: err.Error()}
	}

	if !settings.Headless && runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
		return BrowserSupport{Reason: "headed browser requested but no display is available", Executable: exe}
	}

	return BrowserSupport{Supported: true, Executable: exe}
}

func findBrowserExecutable(configured string) (string, error) {
	if configured != "" {
		if path, err := lookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("configured browser %q not found", configured)
	}
	for _, name := range browserCandidates {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	for _, path := range browserAppPaths[runtime.GOOS] {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium executable found on PATH")
}

// EnforceBrowserPolicy turns an unsupported environment into a failure when
// browser automation is required, so a skipped browser step never passes silently.
// It returns nil when the browser is supported or the skip is allowed.
func EnforceBrowserPolicy(support BrowserSupport, required bool) error {
	if support.Supported || !required {
		return nil
	}
	return &HarnessError{
		Kind: KindUnsupportedEnv,
		Step: "browser",
		Msg:  "browser automation is required but unavailable: " + support.Reason,
	}
}
