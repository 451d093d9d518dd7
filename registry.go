package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ProjectRegistry tracks generated projects under a work directory so a later
// run can reuse a successful materialization.
type ProjectRegistry struct {
	mu       sync.Mutex
	Projects map[string]*ProjectEntry `json:"projects"`
}

// ProjectEntry records one materialized project, keyed by logical project key.
type ProjectEntry struct {
	Name            string    `json:"name"`
	Dir             string    `json:"dir"`
	Variant         string    `json:"variant"`
	TargetFramework string    `json:"targetFramework,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastResult      string    `json:"lastResult,omitempty"` // "passed", "failed"
}

const registryFileName = "registry.json"

// LoadProjectRegistry loads or creates the registry file.
func LoadProjectRegistry(workDir string) (*ProjectRegistry, error) {
	registryPath := filepath.Join(workDir, registryFileName)

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProjectRegistry{Projects: make(map[string]*ProjectEntry)}, nil
		}
		return nil, err
	}

	var registry ProjectRegistry
	if err := json.Unmarshal(data, &registry); err != nil {
		// Corrupted registry, start fresh
		return &ProjectRegistry{Projects: make(map[string]*ProjectEntry)}, nil
	}
	if registry.Projects == nil {
		registry.Projects = make(map[string]*ProjectEntry)
	}
	return &registry, nil
}

// Save atomically saves the registry.
func (r *ProjectRegistry) Save(workDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return AtomicWriteJSON(filepath.Join(workDir, registryFileName), r)
}

// Record stores entry under key, replacing any previous entry.
func (r *ProjectRegistry) Record(key string, entry *ProjectEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Projects == nil {
		r.Projects = make(map[string]*ProjectEntry)
	}
	r.Projects[key] = entry
}

// Get returns the entry for key, or nil.
func (r *ProjectRegistry) Get(key string) *ProjectEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Projects[key]
}

// Forget removes key.
func (r *ProjectRegistry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Projects, key)
}

// Reusable returns the entry for key if it passed last time and its directory still exists.
func (r *ProjectRegistry) Reusable(key string) *ProjectEntry {
	entry := r.Get(key)
	if entry == nil || entry.LastResult != "passed" {
		return nil
	}
	if fi, err := os.Stat(entry.Dir); err != nil || !fi.IsDir() {
		return nil
	}
	return entry
}

// Keys returns registered keys in sorted order.
func (r *ProjectRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.Projects))
	for k := range r.Projects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
