package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// CacheLocks serializes template materialization and package acquisition for
// every project sharing one cache root. Each lock is held in-process (mutex)
// and across processes (flock on a file in the cache root).
type CacheLocks struct {
	Root    string
	Create  *NamedLock
	Package *NamedLock

	registry *LockRegistry
}

// ServePort returns the lock on the fixed port serveURL listens on. Ports are
// not scoped to a cache root, so every project of the registry shares it.
func (c *CacheLocks) ServePort(serveURL string) *NamedLock {
	return c.registry.ServePort(serveURL)
}

// NamedLock is a mutex paired with an exclusive flock on a lock file.
type NamedLock struct {
	name string
	path string
	sem  chan struct{}
}

func newNamedLock(root, name string) *NamedLock {
	return &NamedLock{
		name: name,
		path: filepath.Join(root, "."+name+".lock"),
		sem:  make(chan struct{}, 1),
	}
}

// Name returns the lock name ("create", "package" or "serve-<port>").
func (l *NamedLock) Name() string {
	return l.name
}

// Acquire blocks until both the in-process and the file lock are held, or ctx is done.
// The returned release func is idempotent.
func (l *NamedLock) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s lock: %w", l.name, ctx.Err())
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		<-l.sem
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		<-l.sem
		return nil, fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		<-l.sem
		return nil, fmt.Errorf("flock %s: %w", l.path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			<-l.sem
		})
	}, nil
}

// LockRegistry hands out one CacheLocks per cache root.
type LockRegistry struct {
	mu    sync.Mutex
	roots map[string]*CacheLocks
	ports map[string]*NamedLock

	// portDir holds the serve port lock files; empty means os.TempDir().
	portDir string
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		roots: make(map[string]*CacheLocks),
		ports: make(map[string]*NamedLock),
	}
}

// ServePort returns the lock for the port serveURL binds. Its lock file lives
// in the temp dir so separate harness processes contend for it too.
func (r *LockRegistry) ServePort(serveURL string) *NamedLock {
	name := "tmplcheck-serve-" + servePortKey(serveURL)

	r.mu.Lock()
	defer r.mu.Unlock()
	if lock, ok := r.ports[name]; ok {
		return lock
	}
	dir := r.portDir
	if dir == "" {
		dir = os.TempDir()
	}
	lock := newNamedLock(dir, name)
	r.ports[name] = lock
	return lock
}

// servePortKey reduces a URL to the port it binds, defaulting by scheme.
func servePortKey(serveURL string) string {
	u, err := url.Parse(serveURL)
	if err != nil || u.Host == "" {
		return strings.NewReplacer(":", "_", "/", "_").Replace(serveURL)
	}
	if port := u.Port(); port != "" {
		return port
	}
	if u.Scheme == "http" {
		return "80"
	}
	return "443"
}

// For returns the locks for root, creating them on first use.
// Roots are compared after filepath.Abs + Clean.
func (r *LockRegistry) For(root string) *CacheLocks {
	key := root
	if abs, err := filepath.Abs(root); err == nil {
		key = abs
	}
	key = filepath.Clean(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if locks, ok := r.roots[key]; ok {
		return locks
	}
	locks := &CacheLocks{
		Root:     key,
		Create:   newNamedLock(key, "create"),
		Package:  newNamedLock(key, "package"),
		registry: r,
	}
	r.roots[key] = locks
	return locks
}
