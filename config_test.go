package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindGitRoot(t *testing.T) {
	// Create a temp dir structure with .git
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	os.Mkdir(gitDir, 0755)

	subDir := filepath.Join(dir, "sub", "deep")
	os.MkdirAll(subDir, 0755)

	// Find git root from subdirectory
	root := findGitRoot(subDir)
	if root != dir {
		t.Errorf("expected '%s', got '%s'", dir, root)
	}
}

func TestFindGitRoot_NoGit(t *testing.T) {
	dir := t.TempDir()

	// Should return start dir when no .git found
	root := findGitRoot(dir)
	if root != dir {
		t.Errorf("expected '%s', got '%s'", dir, root)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()

	rc, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rc.ConfigFile != "" {
		t.Errorf("expected no config file, got %s", rc.ConfigFile)
	}
	cfg := rc.Config
	if cfg.Dotnet.Path != "dotnet" {
		t.Errorf("expected dotnet.path 'dotnet', got '%s'", cfg.Dotnet.Path)
	}
	if cfg.Dotnet.Template != "blazorwasm" {
		t.Errorf("expected template 'blazorwasm', got '%s'", cfg.Dotnet.Template)
	}
	if cfg.WorkDir != filepath.Join(dir, ".tmplcheck", "work") {
		t.Errorf("expected workDir anchored at project root, got '%s'", cfg.WorkDir)
	}
	if cfg.Browser.ScreenshotDir != filepath.Join(cfg.WorkDir, "screenshots") {
		t.Errorf("expected screenshots under workDir, got '%s'", cfg.Browser.ScreenshotDir)
	}
	if cfg.Parallel != 1 {
		t.Errorf("expected parallel 1, got %d", cfg.Parallel)
	}
	if !cfg.Browser.Enabled || cfg.Browser.Required {
		t.Error("expected browser enabled and not required by default")
	}
	if !cfg.Logging.Enabled || cfg.Logging.MaxRuns != 10 {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if len(cfg.AllVariants()) != len(DefaultVariants) {
		t.Errorf("expected %d variants, got %d", len(DefaultVariants), len(cfg.AllVariants()))
	}
}

func TestLoadConfig_JSONFile(t *testing.T) {
	dir := t.TempDir()

	configContent := `{
		"dotnet": {"path": "/opt/dotnet/dotnet", "framework": "net6.0"},
		"workDir": "/tmp/tmplcheck-work",
		"parallel": 3,
		"keepProjects": true,
		"browser": {"required": true, "stepTimeout": 20},
		"variants": [
			{"name": "pwa-hosted", "key": "blazorpwahosted", "hosted": true, "pwa": true}
		]
	}`
	os.WriteFile(filepath.Join(dir, "tmplcheck.json"), []byte(configContent), 0644)

	rc, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := rc.Config
	if !strings.HasSuffix(rc.ConfigFile, "tmplcheck.json") {
		t.Errorf("expected config file tmplcheck.json, got %s", rc.ConfigFile)
	}
	if cfg.Dotnet.Path != "/opt/dotnet/dotnet" {
		t.Errorf("expected overridden dotnet path, got '%s'", cfg.Dotnet.Path)
	}
	// Unset keys in a section keep their defaults
	if cfg.Dotnet.Template != "blazorwasm" {
		t.Errorf("expected default template, got '%s'", cfg.Dotnet.Template)
	}
	if cfg.WorkDir != "/tmp/tmplcheck-work" {
		t.Errorf("expected absolute workDir kept, got '%s'", cfg.WorkDir)
	}
	if cfg.Parallel != 3 || !cfg.KeepProjects {
		t.Errorf("expected parallel=3 keepProjects=true, got %d %v", cfg.Parallel, cfg.KeepProjects)
	}
	if !cfg.Browser.Required || !cfg.Browser.Enabled {
		t.Error("expected browser required and still enabled")
	}
	if got := cfg.BrowserSettings().StepTimeout; got != 20*time.Second {
		t.Errorf("expected step timeout 20s, got %v", got)
	}

	variants := cfg.AllVariants()
	v := FindVariant("pwa-hosted", variants)
	if v == nil {
		t.Fatal("expected custom variant in catalog")
	}
	if !v.Hosted || !v.PWA || v.Key != "blazorpwahosted" {
		t.Errorf("unexpected custom variant: %+v", v)
	}
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	os.WriteFile(path, []byte("parallel: 2\nserve:\n  url: https://localhost:9090\n"), 0644)

	rc, err := LoadConfig(dir, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Config.Parallel != 2 {
		t.Errorf("expected parallel 2, got %d", rc.Config.Parallel)
	}
	if rc.Config.Serve.URL != "https://localhost:9090" {
		t.Errorf("expected serve url override, got '%s'", rc.Config.Serve.URL)
	}
}

func TestLoadConfig_ExplicitFileMissing(t *testing.T) {
	_, err := LoadConfig(t.TempDir(), "/nonexistent/tmplcheck.json")
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPLCHECK_PARALLEL", "4")
	t.Setenv("TMPLCHECK_DOTNET_FRAMEWORK", "net7.0")

	rc, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Config.Parallel != 4 {
		t.Errorf("expected parallel 4 from env, got %d", rc.Config.Parallel)
	}
	if rc.Config.Dotnet.Framework != "net7.0" {
		t.Errorf("expected framework net7.0 from env, got '%s'", rc.Config.Dotnet.Framework)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "tmplcheck.json"), []byte("{not json"), 0644)

	_, err := LoadConfig(dir, "")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() HarnessConfig {
		return HarnessConfig{
			Dotnet:   DotnetConfig{Path: "dotnet", EFCommand: "dotnet ef"},
			WorkDir:  "/tmp/work",
			Parallel: 1,
			Serve:    ServeConfig{Command: "dotnet serve -S -p 8080", URL: "https://localhost:8080"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *HarnessConfig)
		wantErr string
	}{
		{"valid", func(c *HarnessConfig) {}, ""},
		{"empty dotnet path", func(c *HarnessConfig) { c.Dotnet.Path = " " }, "dotnet.path"},
		{"no work dir", func(c *HarnessConfig) { c.WorkDir = "" }, "workDir"},
		{"zero parallel", func(c *HarnessConfig) { c.Parallel = 0 }, "parallel"},
		{"no serve url", func(c *HarnessConfig) { c.Serve.URL = "" }, "serve.url"},
		{"unterminated quote", func(c *HarnessConfig) { c.Serve.Command = `dotnet "serve` }, "serve.command"},
		{"bad ef command", func(c *HarnessConfig) { c.Dotnet.EFCommand = `dotnet 'ef` }, "dotnet.efCommand"},
		{"variant without name", func(c *HarnessConfig) { c.Variants = []Variant{{Key: "k"}} }, "variants[0].name"},
		{"variant without key", func(c *HarnessConfig) { c.Variants = []Variant{{Name: "x"}} }, "key is required"},
		{"variant bad auth", func(c *HarnessConfig) {
			c.Variants = []Variant{{Name: "x", Key: "k", Auth: "Windows"}}
		}, "unknown auth mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestToolchain(t *testing.T) {
	cfg := HarnessConfig{
		Dotnet: DotnetConfig{
			Path:       "/usr/bin/dotnet",
			Template:   "blazorwasm",
			Framework:  "net5.0",
			CustomHive: "/tmp/hive",
			EFCommand:  `dotnet ef --project "My App"`,
		},
		Serve: ServeConfig{Command: "dotnet serve -S -p 8080", URL: "https://localhost:8080"},
	}

	tools, err := cfg.Toolchain()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tools.Dotnet != "/usr/bin/dotnet" || tools.TargetFramework != "net5.0" || tools.CustomHive != "/tmp/hive" {
		t.Errorf("unexpected toolchain: %+v", tools)
	}
	wantEF := []string{"dotnet", "ef", "--project", "My App"}
	if strings.Join(tools.EF, "|") != strings.Join(wantEF, "|") {
		t.Errorf("expected ef %q, got %q", wantEF, tools.EF)
	}
	if len(tools.Serve) != 5 || tools.Serve[0] != "dotnet" || tools.Serve[4] != "8080" {
		t.Errorf("unexpected serve command: %q", tools.Serve)
	}
	if tools.ServeURL != "https://localhost:8080" {
		t.Errorf("expected serve url, got '%s'", tools.ServeURL)
	}
}

func TestDriverOptionsFromConfig(t *testing.T) {
	cfg := HarnessConfig{
		Dotnet:  DotnetConfig{Template: "blazorwasm", MigrationName: "initial"},
		Process: ProcessConfig{StartupTimeout: 90, ListenGrace: 3},
		Serve:   ServeConfig{ReadyTimeout: 15, Settle: 4},
	}
	opts := cfg.DriverOptions()
	if opts.StartupTimeout != 90*time.Second || opts.ServeReadyTimeout != 15*time.Second {
		t.Errorf("unexpected timeouts: %v %v", opts.StartupTimeout, opts.ServeReadyTimeout)
	}
	if opts.ServeSettle != 4*time.Second || opts.ListenGrace != 3*time.Second {
		t.Errorf("expected settle 4s and listen grace 3s, got %v %v", opts.ServeSettle, opts.ListenGrace)
	}
	if opts.MigrationName != "initial" {
		t.Errorf("expected migration name 'initial', got '%s'", opts.MigrationName)
	}
}

func TestCheckReadiness_MissingDotnet(t *testing.T) {
	cfg := HarnessConfig{
		Dotnet:  DotnetConfig{Path: "definitely-not-a-real-dotnet-binary"},
		WorkDir: t.TempDir(),
		Serve:   ServeConfig{Command: "definitely-not-a-real-server -p 1"},
		Browser: BrowserConfig{Enabled: false},
	}

	issues := CheckReadiness(&cfg)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %v", len(issues), issues)
	}
	if !strings.Contains(issues[0], "dotnet.path") {
		t.Errorf("expected dotnet.path issue, got %s", issues[0])
	}
	if !strings.Contains(issues[1], "serve.command") {
		t.Errorf("expected serve.command issue, got %s", issues[1])
	}
}

func TestCheckWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "work")
	if err := checkWritable(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected probe file removed, found %d entries", len(entries))
	}
}
