package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"
)

// DotnetConfig configures the .NET toolchain
type DotnetConfig struct {
	Path          string `mapstructure:"path"`
	Template      string `mapstructure:"template"`
	Framework     string `mapstructure:"framework"`
	CustomHive    string `mapstructure:"customHive"`
	EFCommand     string `mapstructure:"efCommand"`
	MigrationName string `mapstructure:"migrationName"`
}

// ServeConfig configures the static file server for standalone variants
type ServeConfig struct {
	Command      string `mapstructure:"command"`
	URL          string `mapstructure:"url"`
	ReadyTimeout int    `mapstructure:"readyTimeout"` // seconds
	Settle       int    `mapstructure:"settle"`       // seconds
}

// ProcessConfig configures launched app processes
type ProcessConfig struct {
	StartupTimeout int `mapstructure:"startupTimeout"` // seconds
	StopTimeout    int `mapstructure:"stopTimeout"`    // seconds
	ListenGrace    int `mapstructure:"listenGrace"`    // seconds
}

// ProbeConfig configures the HTTP probe
type ProbeConfig struct {
	Timeout     int  `mapstructure:"timeout"` // seconds
	InsecureTLS bool `mapstructure:"insecureTLS"`
}

// BrowserConfig configures browser verification
type BrowserConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Required       bool   `mapstructure:"required"`
	Headless       bool   `mapstructure:"headless"`
	ExecutablePath string `mapstructure:"executablePath"`
	ScreenshotDir  string `mapstructure:"screenshotDir"`
	SettleTimeout  int    `mapstructure:"settleTimeout"` // seconds
	StepTimeout    int    `mapstructure:"stepTimeout"`   // seconds
}

// HarnessConfig is the main configuration loaded from tmplcheck.{json,yaml,toml}
type HarnessConfig struct {
	Dotnet       DotnetConfig  `mapstructure:"dotnet"`
	WorkDir      string        `mapstructure:"workDir"`
	CacheRoot    string        `mapstructure:"cacheRoot"`
	KeepProjects bool          `mapstructure:"keepProjects"`
	Reuse        bool          `mapstructure:"reuse"`
	Parallel     int           `mapstructure:"parallel"`
	Serve        ServeConfig   `mapstructure:"serve"`
	Process      ProcessConfig `mapstructure:"process"`
	Probe        ProbeConfig   `mapstructure:"probe"`
	Browser      BrowserConfig `mapstructure:"browser"`
	Logging      LoggingConfig `mapstructure:"logging"`
	Variants     []Variant     `mapstructure:"variants"`
}

// ResolvedConfig is the fully resolved configuration
type ResolvedConfig struct {
	ProjectRoot string
	ConfigFile  string // empty when running on defaults
	Config      HarnessConfig
}

const (
	configName = "tmplcheck"
	envPrefix  = "TMPLCHECK"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("dotnet.path", "dotnet")
	v.SetDefault("dotnet.template", "blazorwasm")
	v.SetDefault("dotnet.framework", "net5.0")
	v.SetDefault("dotnet.customHive", "")
	v.SetDefault("dotnet.efCommand", "dotnet ef")
	v.SetDefault("dotnet.migrationName", "blazorwasm")

	v.SetDefault("workDir", ".tmplcheck/work")
	v.SetDefault("cacheRoot", "")
	v.SetDefault("keepProjects", false)
	v.SetDefault("reuse", false)
	v.SetDefault("parallel", 1)

	v.SetDefault("serve.command", "dotnet serve -S -p 8080")
	v.SetDefault("serve.url", "https://localhost:8080")
	v.SetDefault("serve.readyTimeout", 30)
	v.SetDefault("serve.settle", 2)

	v.SetDefault("process.startupTimeout", 60)
	v.SetDefault("process.stopTimeout", 5)
	v.SetDefault("process.listenGrace", 2)

	v.SetDefault("probe.timeout", 30)
	v.SetDefault("probe.insecureTLS", true)

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.required", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.executablePath", "")
	v.SetDefault("browser.screenshotDir", "")
	v.SetDefault("browser.settleTimeout", 30)
	v.SetDefault("browser.stepTimeout", 10)

	logging := DefaultLoggingConfig()
	v.SetDefault("logging.enabled", logging.Enabled)
	v.SetDefault("logging.maxRuns", logging.MaxRuns)
	v.SetDefault("logging.level", logging.Level)

	v.SetDefault("variants", []Variant{})
}

// LoadConfig loads configuration from projectRoot, or from configFile when
// set. A missing default config file is not an error.
func LoadConfig(projectRoot, configFile string) (*ResolvedConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(projectRoot)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("invalid %s config: %w", configName, err)
			}
		}
	}

	var cfg HarnessConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", configName, err)
	}

	// Relative paths are anchored at the project root
	if cfg.WorkDir != "" && !filepath.IsAbs(cfg.WorkDir) {
		cfg.WorkDir = filepath.Join(projectRoot, cfg.WorkDir)
	}
	if cfg.CacheRoot != "" && !filepath.IsAbs(cfg.CacheRoot) {
		cfg.CacheRoot = filepath.Join(projectRoot, cfg.CacheRoot)
	}
	if cfg.Browser.ScreenshotDir == "" {
		cfg.Browser.ScreenshotDir = filepath.Join(cfg.WorkDir, "screenshots")
	} else if !filepath.IsAbs(cfg.Browser.ScreenshotDir) {
		cfg.Browser.ScreenshotDir = filepath.Join(projectRoot, cfg.Browser.ScreenshotDir)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &ResolvedConfig{
		ProjectRoot: projectRoot,
		ConfigFile:  v.ConfigFileUsed(),
		Config:      cfg,
	}, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *HarnessConfig) error {
	if strings.TrimSpace(cfg.Dotnet.Path) == "" {
		return fmt.Errorf("dotnet.path is required")
	}
	if cfg.WorkDir == "" {
		return fmt.Errorf("workDir is required")
	}
	if cfg.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", cfg.Parallel)
	}
	if cfg.Serve.URL == "" {
		return fmt.Errorf("serve.url is required")
	}
	if _, err := shellquote.Split(cfg.Serve.Command); err != nil {
		return fmt.Errorf("serve.command: %w", err)
	}
	if _, err := shellquote.Split(cfg.Dotnet.EFCommand); err != nil {
		return fmt.Errorf("dotnet.efCommand: %w", err)
	}
	for i, variant := range cfg.Variants {
		if variant.Name == "" {
			return fmt.Errorf("variants[%d].name is required", i)
		}
		if err := variant.Validate(); err != nil {
			return fmt.Errorf("variants[%d]: %w", i, err)
		}
	}
	return nil
}

// Toolchain builds the command set projects are driven with.
func (c *HarnessConfig) Toolchain() (*Toolchain, error) {
	ef, err := shellquote.Split(c.Dotnet.EFCommand)
	if err != nil {
		return nil, fmt.Errorf("dotnet.efCommand: %w", err)
	}
	serve, err := shellquote.Split(c.Serve.Command)
	if err != nil {
		return nil, fmt.Errorf("serve.command: %w", err)
	}
	return &Toolchain{
		Dotnet:          c.Dotnet.Path,
		Template:        c.Dotnet.Template,
		TargetFramework: c.Dotnet.Framework,
		CustomHive:      c.Dotnet.CustomHive,
		EF:              ef,
		Serve:           serve,
		ServeURL:        c.Serve.URL,
	}, nil
}

// BrowserSettings converts the browser section.
func (c *HarnessConfig) BrowserSettings() BrowserSettings {
	return BrowserSettings{
		Enabled:        c.Browser.Enabled,
		Required:       c.Browser.Required,
		Headless:       c.Browser.Headless,
		ExecutablePath: c.Browser.ExecutablePath,
		ScreenshotDir:  c.Browser.ScreenshotDir,
		SettleTimeout:  seconds(c.Browser.SettleTimeout),
		StepTimeout:    seconds(c.Browser.StepTimeout),
	}
}

// DriverOptions converts the lifecycle timeouts.
func (c *HarnessConfig) DriverOptions() DriverOptions {
	return DriverOptions{
		Template:          c.Dotnet.Template,
		MigrationName:     c.Dotnet.MigrationName,
		StartupTimeout:    seconds(c.Process.StartupTimeout),
		ServeReadyTimeout: seconds(c.Serve.ReadyTimeout),
		ServeSettle:       seconds(c.Serve.Settle),
		ListenGrace:       seconds(c.Process.ListenGrace),
	}
}

// AllVariants returns the built-in catalog merged with configured variants.
func (c *HarnessConfig) AllVariants() []Variant {
	return MergeVariants(c.Variants)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// findGitRoot finds the git root from a starting directory
func findGitRoot(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// GetProjectRoot returns the project root (git root or cwd)
func GetProjectRoot() string {
	cwd, _ := os.Getwd()
	return findGitRoot(cwd)
}

// isCommandAvailable checks if a command is available in PATH
func isCommandAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// CheckReadiness validates that the environment can run scenarios.
// Returns a list of issues. Empty list means ready.
func CheckReadiness(cfg *HarnessConfig) []string {
	var issues []string

	if !isCommandAvailable(cfg.Dotnet.Path) {
		issues = append(issues, fmt.Sprintf("dotnet.path: '%s' not found in PATH", cfg.Dotnet.Path))
	}

	if serve, err := shellquote.Split(cfg.Serve.Command); err == nil && len(serve) > 0 {
		if !isCommandAvailable(serve[0]) {
			issues = append(issues, fmt.Sprintf("serve.command: '%s' not found in PATH (from: %s)", serve[0], cfg.Serve.Command))
		}
	}

	if err := checkWritable(cfg.WorkDir); err != nil {
		issues = append(issues, fmt.Sprintf("workDir: %s is not writable: %v", cfg.WorkDir, err))
	}

	if support := DetectBrowserSupport(cfg.BrowserSettings()); !support.Supported && cfg.Browser.Required {
		issues = append(issues, "browser.required is set but "+support.String())
	}

	return issues
}

// checkWritable creates and removes a probe file in dir.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
