package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Browser is the browser automation surface the verifier drives. Every call
// is a single bounded action; callers poll for eventual conditions.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	// Text returns the rendered text of the first element matching a CSS selector.
	Text(ctx context.Context, selector string) (string, error)
	// Count returns how many elements match a CSS selector.
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string) error
	// ClickLink clicks the first link whose text contains partial.
	ClickLink(ctx context.Context, partial string) error
	Fill(ctx context.Context, selector, value string) error
	// ClearSession clears session storage, local storage and cookies, then reloads.
	ClearSession(ctx context.Context) error
	ConsoleErrors() []string
	Screenshot(ctx context.Context, name string) (string, error)
	Close() error
}

// BrowserSession drives one Chrome instance through chromedp. It is not
// safe for concurrent scenarios; give each scenario its own session.
type BrowserSession struct {
	settings BrowserSettings
	ctx      context.Context
	cancel   context.CancelFunc

	mu            sync.Mutex
	consoleErrors []string
	closed        bool
}

// NewBrowserSession launches the browser.
func NewBrowserSession(settings BrowserSettings, executable string) (*BrowserSession, error) {
	if settings.StepTimeout <= 0 {
		settings.StepTimeout = 10 * time.Second
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		// Generated apps serve development certificates
		chromedp.IgnoreCertErrors,
		chromedp.WindowSize(1280, 900),
	}
	if settings.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if executable != "" {
		opts = append(opts, chromedp.ExecPath(executable))
	}
	if os.Geteuid() == 0 {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	bs := &BrowserSession{
		settings: settings,
		ctx:      ctx,
		cancel: func() {
			cancel()
			allocCancel()
		},
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if ev, ok := ev.(*runtime.EventExceptionThrown); ok {
			text := ev.ExceptionDetails.Text
			if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
				text = ev.ExceptionDetails.Exception.Description
			}
			bs.mu.Lock()
			bs.consoleErrors = append(bs.consoleErrors, text)
			bs.mu.Unlock()
		}
	})

	// Start the browser now so launch failures surface here
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		bs.cancel()
		return nil, &HarnessError{
			Kind:  KindUnsupportedEnv,
			Step:  "browser",
			Msg:   "failed to start browser",
			Cause: err,
		}
	}

	return bs, nil
}

// run executes actions bounded by the step timeout and by ctx.
func (bs *BrowserSession) run(ctx context.Context, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(bs.ctx, bs.settings.StepTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(stepCtx, actions...)
}

func (bs *BrowserSession) Navigate(ctx context.Context, url string) error {
	return bs.run(ctx, chromedp.Navigate(url))
}

func (bs *BrowserSession) Title(ctx context.Context) (string, error) {
	var title string
	err := bs.run(ctx, chromedp.Title(&title))
	return title, err
}

func (bs *BrowserSession) URL(ctx context.Context) (string, error) {
	var url string
	err := bs.run(ctx, chromedp.Location(&url))
	return url, err
}

type textProbe struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

func (bs *BrowserSession) Text(ctx context.Context, selector string) (string, error) {
	var res textProbe
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? {found: true, text: el.innerText} : {found: false, text: ""}; })()`, jsString(selector))
	if err := bs.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("no element matches %s", selector)
	}
	return strings.TrimSpace(res.Text), nil
}

func (bs *BrowserSession) Count(ctx context.Context, selector string) (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector))
	err := bs.run(ctx, chromedp.Evaluate(expr, &n))
	return n, err
}

func (bs *BrowserSession) Click(ctx context.Context, selector string) error {
	return bs.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (bs *BrowserSession) ClickLink(ctx context.Context, partial string) error {
	sel := fmt.Sprintf(`//a[contains(normalize-space(.), %s)]`, xpathString(partial))
	return bs.run(ctx,
		chromedp.WaitVisible(sel, chromedp.BySearch),
		chromedp.Click(sel, chromedp.BySearch),
	)
}

func (bs *BrowserSession) Fill(ctx context.Context, selector, value string) error {
	return bs.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (bs *BrowserSession) ClearSession(ctx context.Context) error {
	var cleared bool
	return bs.run(ctx,
		chromedp.Evaluate(`sessionStorage.clear(); localStorage.clear(); true`, &cleared),
		network.ClearBrowserCookies(),
		chromedp.Reload(),
	)
}

// ConsoleErrors returns uncaught page exceptions seen so far.
func (bs *BrowserSession) ConsoleErrors() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]string(nil), bs.consoleErrors...)
}

// Screenshot saves a full-page screenshot and returns its path.
func (bs *BrowserSession) Screenshot(ctx context.Context, name string) (string, error) {
	var buf []byte
	if err := bs.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return "", err
	}
	return saveScreenshot(bs.settings.ScreenshotDir, name, buf)
}

// Close shuts the browser down. Safe to call multiple times.
func (bs *BrowserSession) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	bs.cancel()
	return nil
}

// saveScreenshot writes data under dir with a timestamped, path-safe name.
func saveScreenshot(dir, name string, data []byte) (string, error) {
	if dir == "" {
		dir = "screenshots"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir: %w", err)
	}

	safe := strings.NewReplacer("/", "_", ":", "_", "?", "_", " ", "_").Replace(name)
	if len(safe) > 50 {
		safe = safe[:50]
	}

	timestamp := time.Now().Format("20060102-150405")
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", safe, timestamp))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save screenshot: %w", err)
	}
	return path, nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	return fmt.Sprintf("%q", s)
}

// xpathString quotes s as an XPath 1.0 string literal.
func xpathString(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + p + `"`
	}
	return `concat(` + strings.Join(quoted, `, '"', `) + `)`
}
