package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTemplate is what a fake "dotnet new" materialized.
type fakeTemplate struct {
	name         string
	hosted       bool
	pwa          bool
	individual   bool
	localDB      bool
	outputDir    string
	clientRegKey string
}

// fakeDotnet is a CommandRunner that writes the files the real toolchain
// would produce, so the driver's structural assertions have something to read.
type fakeDotnet struct {
	mu        sync.Mutex
	framework string
	calls     []CommandSpec
	templates map[string]*fakeTemplate

	// exit codes by verb ("new", "publish", "ef migrations", ...)
	failures map[string]int

	// output of a failing verb; defaults to a one-line error
	failureOutput string

	skipServiceWorker   bool
	skipDebugAssembly   bool
	buildCleansPublish  bool
	intermediateWorker  bool
	noDatabaseReference bool
	nonEmptyMigration   bool
	lastCreatedName     string
}

func newFakeDotnet() *fakeDotnet {
	return &fakeDotnet{
		framework: "net5.0",
		templates: make(map[string]*fakeTemplate),
		failures:  make(map[string]int),
	}
}

func commandVerb(spec CommandSpec) string {
	if len(spec.Args) == 0 {
		return ""
	}
	if spec.Args[0] == "ef" && len(spec.Args) > 1 {
		return "ef " + spec.Args[1]
	}
	return spec.Args[0]
}

func (f *fakeDotnet) Run(ctx context.Context, spec CommandSpec, sink io.Writer) (*ProcessResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &HarnessError{Kind: KindLaunch, Step: "run", Msg: "cancelled", Cause: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, spec)
	verb := commandVerb(spec)
	if sink != nil {
		fmt.Fprintf(sink, "%s\n", spec.CommandLine())
	}
	if code := f.failures[verb]; code != 0 {
		output := f.failureOutput
		if output == "" {
			output = "error: " + verb + " failed\n"
		}
		return &ProcessResult{Spec: spec, ExitCode: code, Output: output}, nil
	}

	var err error
	switch verb {
	case "new":
		err = f.materialize(spec.Args)
	case "publish":
		err = f.publish(spec.Dir)
	case "build":
		err = f.build(spec.Dir)
	case "ef migrations":
		err = f.addMigration(spec.Dir, spec.Args[len(spec.Args)-1])
	}
	if err != nil {
		return nil, err
	}
	return &ProcessResult{Spec: spec, Output: verb + " succeeded\n", Duration: time.Millisecond}, nil
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func writeFakeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func (f *fakeDotnet) materialize(args []string) error {
	tmpl := &fakeTemplate{
		name:       argAfter(args, "-n"),
		outputDir:  argAfter(args, "-o"),
		hosted:     hasArg(args, "--hosted"),
		pwa:        hasArg(args, "--pwa"),
		individual: argAfter(args, "-au") == AuthIndividual,
		localDB:    hasArg(args, "-uld"),
	}
	f.templates[tmpl.outputDir] = tmpl
	f.lastCreatedName = tmpl.name

	if !tmpl.hosted {
		return writeFakeFile(filepath.Join(tmpl.outputDir, tmpl.name+".csproj"), "<Project Sdk=\"Microsoft.NET.Sdk.BlazorWebAssembly\" />\n")
	}

	server := filepath.Join(tmpl.outputDir, "Server")
	if err := os.MkdirAll(filepath.Join(tmpl.outputDir, "Client"), 0755); err != nil {
		return err
	}
	csproj := "<Project Sdk=\"Microsoft.NET.Sdk.Web\">\n"
	if tmpl.individual && !tmpl.localDB && !f.noDatabaseReference {
		csproj += "  <None Update=\"app.db\" CopyToOutputDirectory=\"PreserveNewest\" />\n"
	}
	csproj += "</Project>\n"
	if err := writeFakeFile(filepath.Join(server, tmpl.name+".Server.csproj"), csproj); err != nil {
		return err
	}

	if !tmpl.individual {
		return writeFakeFile(filepath.Join(server, "appsettings.json"), `{"AllowedHosts": "*"}`)
	}
	tmpl.clientRegKey = "BlazorWasm.Client"
	settings := fmt.Sprintf(`{
  "ConnectionStrings": {"DefaultConnection": "DataSource=app.db"},
  "IdentityServer": {"Clients": {%q: {"Profile": "IdentityServerSPA"}}},
  "AllowedHosts": "*"
}`, tmpl.clientRegKey)
	if err := writeFakeFile(filepath.Join(server, "appsettings.json"), settings); err != nil {
		return err
	}
	return writeFakeFile(filepath.Join(server, "appsettings.Development.json"), `{"IdentityServer": {"Key": {"Type": "Development"}}}`)
}

func (f *fakeDotnet) templateFor(dir string) *fakeTemplate {
	if t, ok := f.templates[dir]; ok {
		return t
	}
	return f.templates[filepath.Dir(dir)]
}

func (f *fakeDotnet) publish(dir string) error {
	tmpl := f.templateFor(dir)
	if tmpl == nil {
		return fmt.Errorf("publish in unknown directory %s", dir)
	}
	publishDir := filepath.Join(dir, "bin", "Release", f.framework, "publish")

	if tmpl.hosted {
		return writeFakeFile(filepath.Join(publishDir, tmpl.name+".Server.dll"), "MZ")
	}

	webRoot := filepath.Join(publishDir, tmpl.name, "wwwroot")
	if err := writeFakeFile(filepath.Join(webRoot, "index.html"), "<!DOCTYPE html><title>"+tmpl.name+"</title>"); err != nil {
		return err
	}
	if !tmpl.pwa {
		return nil
	}
	if f.intermediateWorker {
		if err := writeFakeFile(filepath.Join(webRoot, serviceWorkerPublished), "// intermediate"); err != nil {
			return err
		}
	}
	if f.skipServiceWorker {
		return nil
	}
	for _, name := range []string{serviceWorker, serviceWorkerAssets} {
		if err := writeFakeFile(filepath.Join(webRoot, name), "// worker"); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDotnet) build(dir string) error {
	tmpl := f.templateFor(dir)
	if tmpl == nil {
		return fmt.Errorf("build in unknown directory %s", dir)
	}
	if f.buildCleansPublish {
		if err := os.RemoveAll(filepath.Join(dir, "bin", "Release")); err != nil {
			return err
		}
	}
	if f.skipDebugAssembly {
		return nil
	}
	name := tmpl.name
	if tmpl.hosted {
		name += ".Server"
	}
	return writeFakeFile(filepath.Join(dir, "bin", "Debug", f.framework, name+".dll"), "MZ")
}

func (f *fakeDotnet) addMigration(dir, name string) error {
	body := emptyMigrationBody
	if f.nonEmptyMigration {
		body = "protected override void Up(MigrationBuilder migrationBuilder)\n{\n    migrationBuilder.DropTable(name: \"DeviceCodes\");\n}"
	}
	content := "namespace Server.Data.Migrations\n{\n    public partial class " + name + " : Migration\n    {\n" + body + "\n    }\n}\n"
	return writeFakeFile(filepath.Join(dir, "Data", "Migrations", "20200101000000_"+name+".cs"), content)
}

func (f *fakeDotnet) verbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	verbs := make([]string, len(f.calls))
	for i, c := range f.calls {
		verbs[i] = commandVerb(c)
	}
	return verbs
}

func (f *fakeDotnet) count(verb string) int {
	n := 0
	for _, v := range f.verbs() {
		if v == verb {
			n++
		}
	}
	return n
}

func (f *fakeDotnet) createdName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCreatedName
}

// fakeProcess is a launched process that runs until stopped.
type fakeProcess struct {
	mu      sync.Mutex
	pid     int
	label   string
	app     string
	spec    ProcessSpec
	urls    []string
	exited  bool
	stopped bool
	output  string
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

func (p *fakeProcess) HasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited || p.stopped
}

func (p *fakeProcess) Output() string { return p.output }

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

// fakeLauncher hands out fakeProcesses.
type fakeLauncher struct {
	mu      sync.Mutex
	nextPid int
	procs   []*fakeProcess

	// labels whose process dies immediately
	crash map[string]bool
	// serve launches made while another static server was still live
	serveOverlaps int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPid: 4000, crash: make(map[string]bool)}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec ProcessSpec, sink io.Writer) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextPid++
	p := &fakeProcess{pid: l.nextPid, label: spec.Label, app: appOf(spec.Command.Dir), spec: spec}
	if spec.Label == string(StartServe) {
		for _, other := range l.procs {
			if other.label == spec.Label && !other.HasExited() {
				l.serveOverlaps++
				break
			}
		}
	}
	switch {
	case l.crash[spec.Label]:
		p.exited = true
		p.output = "Unhandled exception. System.IO.IOException: Failed to bind to address\n"
	case spec.FixedURL != "":
		p.urls = []string{spec.FixedURL}
	default:
		port := 5000 + l.nextPid%1000
		p.urls = []string{
			"http://127.0.0.1:" + strconv.Itoa(port),
			"https://127.0.0.1:" + strconv.Itoa(port+1),
		}
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) labels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	labels := make([]string, len(l.procs))
	for i, p := range l.procs {
		labels[i] = p.label
	}
	return labels
}

// appOf finds the project a launch directory belongs to.
func appOf(dir string) string {
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if strings.HasPrefix(part, projectNamePrefix) {
			return part
		}
	}
	return ""
}

// appAt returns the project whose live process answers on origin, or "".
func (l *fakeLauncher) appAt(origin string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.procs) - 1; i >= 0; i-- {
		p := l.procs[i]
		if p.HasExited() {
			continue
		}
		for _, u := range p.URLs() {
			if o, err := originOf(u); err == nil && o == origin {
				return p.app
			}
		}
	}
	return ""
}

func (l *fakeLauncher) overlaps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serveOverlaps
}

// running returns processes that were neither stopped nor crashed.
func (l *fakeLauncher) running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.procs {
		if !p.HasExited() {
			n++
		}
	}
	return n
}

// fakeProbe answers every request with 200 text/html unless told otherwise.
type fakeProbe struct {
	mu       sync.Mutex
	status   int
	notReady bool
	probed   []string
}

func (p *fakeProbe) AssertStatusCode(ctx context.Context, baseURL, path string, want int, contentType string) (*ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	url := strings.TrimSuffix(baseURL, "/") + path
	p.probed = append(p.probed, url)
	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	res := &ProbeResult{URL: url, StatusCode: status, ContentType: "text/html; charset=utf-8"}
	if status != want {
		return res, VerificationFailure("probe "+path+" status", strconv.Itoa(want), strconv.Itoa(status))
	}
	return res, nil
}

func (p *fakeProbe) IsReady(ctx context.Context, url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.notReady
}

// fakeBrowser models the pages of the scaffolded app.
type fakeBrowser struct {
	mu sync.Mutex

	title   func() string
	rows    int
	console []string
	fails   map[string]error // by selector or link text

	origin    string
	page      string
	count     int
	loggedIn  bool
	navigated []string
	fills     map[string]string
	cleared   int
	shots     []string
	closed    int
}

func newFakeBrowser(appName string) *fakeBrowser {
	return &fakeBrowser{
		title: func() string { return appName },
		rows:  forecastRows,
		fails: make(map[string]error),
		fills: make(map[string]string),
		page:  "blank",
	}
}

var fakePagePaths = map[string]string{
	"home":            "/",
	"counter":         "/counter",
	"fetchdata":       "/fetchdata",
	"login":           "/Identity/Account/Login",
	"register":        "/Identity/Account/Register",
	"registerconfirm": "/Identity/Account/RegisterConfirmation",
	"confirmemail":    "/Identity/Account/ConfirmEmail",
}

var fakeLinks = map[string]string{
	"Counter":                            "counter",
	"Fetch data":                         "fetchdata",
	"Log in":                             "login",
	"Register as a new user":             "register",
	"Click here to confirm your account": "confirmemail",
	"Login":                              "login",
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, url)
	if url == "about:blank" {
		b.page = "blank"
		return nil
	}
	origin, err := originOf(url)
	if err != nil {
		return err
	}
	b.origin = origin
	b.page = "home"
	b.count = 0
	return nil
}

func (b *fakeBrowser) Title(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page == "blank" {
		return "", nil
	}
	return b.title(), nil
}

func (b *fakeBrowser) URL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page == "blank" {
		return "about:blank", nil
	}
	return b.origin + fakePagePaths[b.page], nil
}

func (b *fakeBrowser) Text(ctx context.Context, selector string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fails[selector]; err != nil {
		return "", err
	}
	switch {
	case selector == "h1" && b.page == "home":
		return homeHeading, nil
	case selector == "h1" && b.page == "counter":
		return counterHeading, nil
	case selector == "h1" && b.page == "fetchdata":
		return fetchHeading, nil
	case selector == "h1 + p" && b.page == "counter":
		return fmt.Sprintf("Current count: %d", b.count), nil
	}
	return "", fmt.Errorf("no element matches %s", selector)
}

func (b *fakeBrowser) Count(ctx context.Context, selector string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch selector {
	case "ul":
		if b.page != "blank" {
			return 1, nil
		}
	case "table>tbody>tr", "p+table>tbody>tr":
		if b.page == "fetchdata" {
			return b.rows, nil
		}
	case `[name="Input.Email"]`:
		if b.page == "register" || b.page == "login" {
			return 1, nil
		}
	}
	return 0, nil
}

func (b *fakeBrowser) Click(ctx context.Context, selector string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fails[selector]; err != nil {
		return err
	}
	switch {
	case selector == "p+button" && b.page == "counter":
		b.count++
	case selector == "#registerSubmit" && b.page == "register":
		b.page = "registerconfirm"
	case selector == "#login-submit" && b.page == "login":
		b.loggedIn = true
		b.page = "home"
	default:
		return fmt.Errorf("no clickable element %s on %s", selector, b.page)
	}
	return nil
}

func (b *fakeBrowser) ClickLink(ctx context.Context, partial string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fails[partial]; err != nil {
		return err
	}
	page, ok := fakeLinks[partial]
	if !ok || b.page == "blank" {
		return fmt.Errorf("no link containing %q", partial)
	}
	b.page = page
	return nil
}

func (b *fakeBrowser) Fill(ctx context.Context, selector, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills[selector] = value
	return nil
}

func (b *fakeBrowser) ClearSession(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared++
	b.loggedIn = false
	return nil
}

func (b *fakeBrowser) ConsoleErrors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.console...)
}

func (b *fakeBrowser) Screenshot(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shots = append(b.shots, name)
	return filepath.Join("screenshots", name+".png"), nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func testToolchain() *Toolchain {
	return &Toolchain{
		Dotnet:          "dotnet",
		Template:        "blazorwasm",
		TargetFramework: "net5.0",
		EF:              []string{"dotnet", "ef"},
		Serve:           []string{"dotnet", "serve", "-S", "-p", "8080"},
		ServeURL:        "https://localhost:8080",
	}
}

// testVariant returns a built-in variant pinned to the fake framework.
func testVariant(t *testing.T, name string) Variant {
	t.Helper()
	v := FindVariant(name, DefaultVariants)
	if v == nil {
		t.Fatalf("no built-in variant %q", name)
	}
	out := *v
	out.TargetFramework = ""
	return out
}

func testVariants(t *testing.T) []Variant {
	t.Helper()
	var out []Variant
	for _, v := range DefaultVariants {
		out = append(out, testVariant(t, v.Name))
	}
	return out
}

func newTestProject(t *testing.T, variant Variant, runner CommandRunner, launcher ProcessLauncher) *Project {
	t.Helper()
	dir := t.TempDir()
	name := projectName(variant.Key)
	return &Project{
		Name:            name,
		Key:             variant.Key,
		Variant:         variant.Name,
		OutputDir:       filepath.Join(dir, name),
		TargetFramework: "net5.0",
		locks:           newTestLockRegistry(t).For(filepath.Join(dir, ".cache")),
		runner:          runner,
		launcher:        launcher,
		tools:           testToolchain(),
	}
}

var fastDriverOptions = DriverOptions{
	StartupTimeout:    time.Second,
	ServeReadyTimeout: 500 * time.Millisecond,
	ServeSettle:       20 * time.Millisecond,
	ListenGrace:       100 * time.Millisecond,
}

// newTestLockRegistry keeps serve port lock files out of the shared temp dir.
func newTestLockRegistry(t *testing.T) *LockRegistry {
	t.Helper()
	r := NewLockRegistry()
	r.portDir = t.TempDir()
	return r
}
