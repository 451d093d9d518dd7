package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockInfo describes the harness process that owns a project directory.
type LockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Project   string    `json:"project"`
	Scenario  string    `json:"scenario"`
}

// ProjectLock marks a generated project directory as in use by one harness process.
type ProjectLock struct {
	path string
	info *LockInfo
}

const projectLockName = ".tmplcheck.lock"

// NewProjectLock creates a lock manager for a project directory.
func NewProjectLock(projectDir string) *ProjectLock {
	return &ProjectLock{
		path: filepath.Join(projectDir, projectLockName),
	}
}

// Path returns the lock file path.
func (pl *ProjectLock) Path() string {
	return pl.path
}

// Acquire takes the lock atomically, clearing it first if the previous owner is gone.
func (pl *ProjectLock) Acquire(project, scenario string) error {
	if err := os.MkdirAll(filepath.Dir(pl.path), 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	if pl.isHeld() {
		existing, err := pl.readLock()
		if err != nil {
			// Unreadable lock, nobody can prove ownership
			os.Remove(pl.path)
		} else if isLockStale(existing) {
			if err := os.Remove(pl.path); err != nil {
				return fmt.Errorf("failed to remove stale lock: %w", err)
			}
		} else {
			return PreconditionFailure("lock project",
				fmt.Sprintf("project %s is in use by PID %d (scenario %s, since %s)",
					existing.Project, existing.PID, existing.Scenario, existing.StartedAt.Format(time.RFC3339)))
		}
	}

	pl.info = &LockInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Project:   project,
		Scenario:  scenario,
	}

	data, err := json.MarshalIndent(pl.info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}
	data = append(data, '\n')

	// O_EXCL loses the race cleanly against a concurrent harness
	f, err := os.OpenFile(pl.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		pl.info = nil
		if os.IsExist(err) {
			return PreconditionFailure("lock project", fmt.Sprintf("project %s was locked by another process", project))
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(pl.path)
		pl.info = nil
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	return nil
}

// Release removes the lock if this process still owns it.
func (pl *ProjectLock) Release() error {
	if pl.info == nil {
		return nil
	}
	defer func() { pl.info = nil }()

	existing, err := pl.readLock()
	if err != nil {
		return nil
	}
	if existing.PID != os.Getpid() {
		return nil
	}

	if err := os.Remove(pl.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (pl *ProjectLock) isHeld() bool {
	_, err := os.Stat(pl.path)
	return err == nil
}

func (pl *ProjectLock) readLock() (*LockInfo, error) {
	data, err := os.ReadFile(pl.path)
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// isProcessAlive checks if a process with the given PID is still running
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds; signal 0 probes existence
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// maxLockAge bounds how long a live PID may hold a lock. Guards against PID reuse.
const maxLockAge = 24 * time.Hour

// isLockStale returns true if the owner is dead or the lock is older than maxLockAge.
func isLockStale(info *LockInfo) bool {
	if !isProcessAlive(info.PID) {
		return true
	}
	return time.Since(info.StartedAt) > maxLockAge
}

// ReadProjectLock reads the lock status of a project directory without acquiring it.
func ReadProjectLock(projectDir string) (*LockInfo, error) {
	pl := NewProjectLock(projectDir)
	if !pl.isHeld() {
		return nil, nil
	}
	return pl.readLock()
}
