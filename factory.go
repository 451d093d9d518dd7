package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FactoryOptions configures where projects are materialized and what happens to them afterwards.
type FactoryOptions struct {
	WorkDir   string
	CacheRoot string // empty = <WorkDir>/.cache
	Reuse     bool
	Keep      bool
}

// ProjectFactory hands out project handles and tears them down at the end of a run.
type ProjectFactory struct {
	opts     FactoryOptions
	tools    *Toolchain
	locks    *CacheLocks
	runner   CommandRunner
	launcher ProcessLauncher
	registry *ProjectRegistry

	mu    sync.Mutex
	owned []*ownedProject
}

type ownedProject struct {
	project  *Project
	lock     *ProjectLock
	disposed bool
	result   string // "", "passed", "failed"
}

// NewProjectFactory loads the project registry and binds the cache-root locks.
func NewProjectFactory(opts FactoryOptions, tools *Toolchain, locks *LockRegistry, runner CommandRunner, launcher ProcessLauncher) (*ProjectFactory, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	opts.WorkDir = workDir
	if opts.CacheRoot == "" {
		opts.CacheRoot = filepath.Join(workDir, ".cache")
	}

	registry, err := LoadProjectRegistry(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load project registry: %w", err)
	}

	return &ProjectFactory{
		opts:     opts,
		tools:    tools,
		locks:    locks.For(opts.CacheRoot),
		runner:   runner,
		launcher: launcher,
		registry: registry,
	}, nil
}

// WorkDir returns the absolute work directory.
func (f *ProjectFactory) WorkDir() string {
	return f.opts.WorkDir
}

// Registry returns the project registry.
func (f *ProjectFactory) Registry() *ProjectRegistry {
	return f.registry
}

// projectNamePrefix marks generated project directories in the work dir.
const projectNamePrefix = "AspNet."

// projectName builds a unique project name for key.
func projectName(key string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return projectNamePrefix + key + "." + suffix
}

// GetOrCreateProject returns a handle for variant's key. With reuse enabled a
// project that passed in an earlier run is handed back with Reused set.
// The handle's directory is locked against other harness processes.
func (f *ProjectFactory) GetOrCreateProject(variant Variant, scenario string) (*Project, error) {
	tfm := variant.TargetFramework
	if tfm == "" {
		tfm = f.tools.TargetFramework
	}

	p := &Project{
		Key:             variant.Key,
		Variant:         variant.Name,
		TargetFramework: tfm,
		locks:           f.locks,
		runner:          f.runner,
		launcher:        f.launcher,
		tools:           f.tools,
	}

	if f.opts.Reuse {
		if entry := f.registry.Reusable(variant.Key); entry != nil && entry.TargetFramework == tfm {
			p.Name = entry.Name
			p.OutputDir = entry.Dir
			p.Reused = true
		}
	}
	if !p.Reused {
		p.Name = projectName(variant.Key)
		p.OutputDir = filepath.Join(f.opts.WorkDir, p.Name)
	}

	lock := NewProjectLock(p.OutputDir)
	if err := lock.Acquire(p.Name, scenario); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.owned = append(f.owned, &ownedProject{project: p, lock: lock})
	f.mu.Unlock()
	return p, nil
}

// MarkResult records a scenario outcome for p and persists it to the registry.
func (f *ProjectFactory) MarkResult(p *Project, passed bool) error {
	result := "failed"
	if passed {
		result = "passed"
	}

	f.mu.Lock()
	for _, o := range f.owned {
		if o.project == p {
			o.result = result
		}
	}
	f.mu.Unlock()

	f.registry.Record(p.Key, &ProjectEntry{
		Name:            p.Name,
		Dir:             p.OutputDir,
		Variant:         p.Variant,
		TargetFramework: p.TargetFramework,
		CreatedAt:       time.Now(),
		LastResult:      result,
	})
	return f.registry.Save(f.opts.WorkDir)
}

// Dispose stops live processes, releases project locks and removes project
// directories. Directories are kept when Keep or Reuse is set and when the
// scenario failed, so the generated output can be inspected.
// It returns the directories that were left on disk.
func (f *ProjectFactory) Dispose() ([]string, error) {
	f.mu.Lock()
	var owned []*ownedProject
	for _, o := range f.owned {
		if !o.disposed {
			o.disposed = true
			owned = append(owned, o)
		}
	}
	f.mu.Unlock()

	var kept []string
	var firstErr error
	for _, o := range owned {
		if err := o.project.StopActive(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := o.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}

		remove := o.result == "passed" && !o.project.Reused && !f.opts.Keep && !f.opts.Reuse
		if !remove {
			if fileExists(o.project.OutputDir) {
				kept = append(kept, o.project.OutputDir)
			}
			continue
		}
		if err := os.RemoveAll(o.project.OutputDir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", o.project.OutputDir, err)
		}
		if entry := f.registry.Get(o.project.Key); entry != nil && entry.Dir == o.project.OutputDir {
			f.registry.Forget(o.project.Key)
		}
	}

	if err := f.registry.Save(f.opts.WorkDir); err != nil && firstErr == nil {
		firstErr = err
	}
	return kept, firstErr
}
