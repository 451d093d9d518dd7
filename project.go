package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Toolchain holds the external commands a project is driven with.
type Toolchain struct {
	Dotnet          string
	Template        string
	TargetFramework string
	CustomHive      string
	EF              []string // e.g. ["dotnet", "ef"]
	Serve           []string // e.g. ["dotnet", "serve", "-S", "-p", "8080"]
	ServeURL        string
}

// toolEnv is set on every dotnet invocation to keep output deterministic.
var toolEnv = map[string]string{
	"DOTNET_CLI_TELEMETRY_OPTOUT":       "1",
	"DOTNET_SKIP_FIRST_TIME_EXPERIENCE": "1",
	"DOTNET_NOLOGO":                     "1",
}

const dynamicListenURLs = "http://127.0.0.1:0;https://127.0.0.1:0"

// Project is one materialized template instance.
type Project struct {
	Name            string
	Key             string
	Variant         string
	OutputDir       string
	TargetFramework string
	Reused          bool // materialized by an earlier run

	locks    *CacheLocks
	runner   CommandRunner
	launcher ProcessLauncher
	tools    *Toolchain
	sink     io.Writer

	mu       sync.Mutex
	active   Process
	children []*Project
}

// PublishDir is where the release publish lands.
func (p *Project) PublishDir() string {
	return filepath.Join(p.OutputDir, "bin", "Release", p.TargetFramework, "publish")
}

// BuildDir is where the debug build lands.
func (p *Project) BuildDir() string {
	return filepath.Join(p.OutputDir, "bin", "Debug", p.TargetFramework)
}

// StaticWebRoot is the published static site of a client-only project.
func (p *Project) StaticWebRoot() string {
	return filepath.Join(p.PublishDir(), p.Name, "wwwroot")
}

// SetOutput redirects streamed tool output.
func (p *Project) SetOutput(w io.Writer) {
	p.sink = w
}

func (p *Project) command(name string, args []string, dir string, env map[string]string) CommandSpec {
	merged := make(map[string]string, len(toolEnv)+len(env))
	for k, v := range toolEnv {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return CommandSpec{Name: name, Args: args, Dir: dir, Env: merged}
}

func (p *Project) dotnet(args ...string) CommandSpec {
	return p.command(p.tools.Dotnet, args, p.OutputDir, nil)
}

func (p *Project) run(ctx context.Context, spec CommandSpec) (*ProcessResult, error) {
	return p.runner.Run(ctx, spec, p.sink)
}

// RunNew materializes the template into OutputDir under the create lock.
// Empty arguments are dropped.
func (p *Project) RunNew(ctx context.Context, template string, args []string) (*ProcessResult, error) {
	if template == "" {
		template = p.tools.Template
	}
	if err := os.MkdirAll(p.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	release, err := p.locks.Create.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cmdArgs := []string{"new", template, "--no-restore", "-o", p.OutputDir, "-n", p.Name}
	if p.tools.CustomHive != "" {
		cmdArgs = append(cmdArgs, "--debug:custom-hive", p.tools.CustomHive)
	}
	for _, a := range args {
		if a != "" {
			cmdArgs = append(cmdArgs, a)
		}
	}
	return p.run(ctx, p.dotnet(cmdArgs...))
}

// RunRestore acquires packages under the package lock.
func (p *Project) RunRestore(ctx context.Context) (*ProcessResult, error) {
	release, err := p.locks.Package.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return p.run(ctx, p.dotnet("restore"))
}

// RunPublish publishes in Release configuration.
func (p *Project) RunPublish(ctx context.Context) (*ProcessResult, error) {
	return p.run(ctx, p.dotnet("publish", "--no-restore", "-c", "Release"))
}

// RunBuild builds in Debug configuration. Debug output lands in a different
// tree from the release publish, so running it after publish leaves the
// published artifacts intact.
func (p *Project) RunBuild(ctx context.Context) (*ProcessResult, error) {
	return p.run(ctx, p.dotnet("build", "--no-restore", "-c", "Debug"))
}

func (p *Project) ef(args ...string) CommandSpec {
	cmd := p.tools.EF
	if len(cmd) == 0 {
		cmd = []string{p.tools.Dotnet, "ef"}
	}
	return p.command(cmd[0], append(append([]string(nil), cmd[1:]...), args...), p.OutputDir, nil)
}

// RunMigrationAdd generates a migration named name.
func (p *Project) RunMigrationAdd(ctx context.Context, name string) (*ProcessResult, error) {
	return p.run(ctx, p.ef("migrations", "add", name))
}

// RunDatabaseUpdate applies pending migrations.
func (p *Project) RunDatabaseUpdate(ctx context.Context) (*ProcessResult, error) {
	return p.run(ctx, p.ef("database", "update"))
}

const emptyMigrationBody = `protected override void Up(MigrationBuilder migrationBuilder)
{
}

protected override void Down(MigrationBuilder migrationBuilder)
{
}`

// AssertEmptyMigration checks that the generated migration name has empty
// Up and Down bodies. Whitespace is ignored so line endings do not matter.
func (p *Project) AssertEmptyMigration(name string) error {
	dir := filepath.Join(p.OutputDir, "Data", "Migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return StructuralFailure(p.Name, "migration present", dir, fmt.Sprintf("cannot read migrations: %v", err))
	}

	var matches []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), name+".cs") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	if len(matches) != 1 {
		return StructuralFailure(p.Name, "migration present", dir,
			fmt.Sprintf("expected exactly one migration ending in %s.cs, found %d", name, len(matches)))
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if !strings.Contains(stripWhitespace(string(data)), stripWhitespace(emptyMigrationBody)) {
		return &HarnessError{
			Kind:    KindStructural,
			Step:    "migration empty",
			Project: p.Name,
			Path:    matches[0],
			Msg:     "generated migration is not empty; scaffolded model and migration history disagree",
			Output:  string(data),
		}
	}
	return nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ReadFile reads rel inside OutputDir. A missing file is a structural failure.
func (p *Project) ReadFile(rel string) (string, error) {
	path, err := securejoin.SecureJoin(p.OutputDir, rel)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", StructuralFailure(p.Name, "file present", path, fmt.Sprintf("expected file to exist, but it doesn't: %s", rel))
		}
		return "", err
	}
	return string(data), nil
}

// SubProject returns a handle for a project nested in dir. It shares the
// parent's locks, runner and launcher.
func (p *Project) SubProject(dir, name string) (*Project, error) {
	subDir, err := securejoin.SecureJoin(p.OutputDir, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if fi, err := os.Stat(subDir); err != nil || !fi.IsDir() {
		return nil, StructuralFailure(p.Name, "sub-project present", subDir, fmt.Sprintf("directory %s was not found", dir))
	}
	sub := &Project{
		Name:            name,
		Key:             p.Key,
		Variant:         p.Variant,
		OutputDir:       subDir,
		TargetFramework: p.TargetFramework,
		Reused:          p.Reused,
		locks:           p.locks,
		runner:          p.runner,
		launcher:        p.launcher,
		tools:           p.tools,
		sink:            p.sink,
	}

	p.mu.Lock()
	p.children = append(p.children, sub)
	p.mu.Unlock()
	return sub, nil
}

// StartBuilt runs the debug build with dynamically assigned ports. The launch
// profile is skipped; its applicationUrl would replace ASPNETCORE_URLS.
func (p *Project) StartBuilt(ctx context.Context) (Process, error) {
	spec := ProcessSpec{
		Label: "run built",
		Command: p.command(p.tools.Dotnet, []string{"run", "--no-build", "--no-launch-profile"}, p.OutputDir, map[string]string{
			"ASPNETCORE_URLS":        dynamicListenURLs,
			"ASPNETCORE_ENVIRONMENT": "Development",
		}),
	}
	return p.start(ctx, spec)
}

// StartPublished runs the published server entry assembly.
func (p *Project) StartPublished(ctx context.Context) (Process, error) {
	spec := ProcessSpec{
		Label: "run published",
		Command: p.command(p.tools.Dotnet, []string{"exec", p.Name + ".dll"}, p.PublishDir(), map[string]string{
			"ASPNETCORE_URLS":        dynamicListenURLs,
			"ASPNETCORE_ENVIRONMENT": "Production",
		}),
	}
	return p.start(ctx, spec)
}

// AcquireServePort waits for exclusive use of the static server's fixed port.
func (p *Project) AcquireServePort(ctx context.Context) (release func(), err error) {
	return p.locks.ServePort(p.tools.ServeURL).Acquire(ctx)
}

// Serve starts the static file server over the published web root. The
// server binds a fixed port and does not announce it.
func (p *Project) Serve(ctx context.Context) (Process, error) {
	serve := p.tools.Serve
	if len(serve) == 0 {
		return nil, PreconditionFailure("serve published", "no static file server configured")
	}
	spec := ProcessSpec{
		Label:    "serve published",
		Command:  p.command(serve[0], serve[1:], p.StaticWebRoot(), nil),
		FixedURL: p.tools.ServeURL,
	}
	return p.start(ctx, spec)
}

func (p *Project) start(ctx context.Context, spec ProcessSpec) (Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil && !p.active.HasExited() {
		return nil, &HarnessError{
			Kind:    KindPrecondition,
			Step:    spec.Label,
			Project: p.Name,
			Msg:     fmt.Sprintf("process %d is still running; stop it before starting another", p.active.Pid()),
		}
	}

	proc, err := p.launcher.Launch(ctx, spec, p.sink)
	if err != nil {
		if he, ok := AsHarnessError(err); ok && he.Project == "" {
			he.Project = p.Name
		}
		return nil, err
	}
	p.active = proc
	return proc, nil
}

// ActiveProcess returns the live process, or nil.
func (p *Project) ActiveProcess() Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// StopActive stops the live process of p and of its sub-projects. Safe to
// call repeatedly.
func (p *Project) StopActive() error {
	p.mu.Lock()
	proc := p.active
	p.active = nil
	children := append([]*Project(nil), p.children...)
	p.mu.Unlock()

	var firstErr error
	if proc != nil {
		firstErr = proc.Stop()
	}
	for _, c := range children {
		if err := c.StopActive(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EntryArtifact is the file whose presence proves a publish produced a runnable app.
func (p *Project) EntryArtifact(static bool) string {
	if static {
		return filepath.Join(p.StaticWebRoot(), "index.html")
	}
	return filepath.Join(p.PublishDir(), p.Name+".dll")
}
