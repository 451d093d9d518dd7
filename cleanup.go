package main

import (
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// CleanupCoordinator manages graceful cleanup of resources during signal handling.
// Resources register themselves when created, and the coordinator ensures they
// are cleaned up properly when signals are received, even when os.Exit() is called.
type CleanupCoordinator struct {
	mu       sync.Mutex
	factory  *ProjectFactory
	browsers map[io.Closer]struct{}
	logger   *RunLogger
	done     bool
}

// NewCleanupCoordinator creates a new cleanup coordinator.
func NewCleanupCoordinator() *CleanupCoordinator {
	return &CleanupCoordinator{browsers: make(map[io.Closer]struct{})}
}

// SetFactory registers the project factory. Its Dispose stops live processes
// and releases project locks.
func (c *CleanupCoordinator) SetFactory(f *ProjectFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factory = f
}

// AddBrowser registers a browser session for cleanup.
func (c *CleanupCoordinator) AddBrowser(b io.Closer) {
	if c == nil || b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browsers[b] = struct{}{}
}

// RemoveBrowser unregisters a browser session the scenario already closed.
func (c *CleanupCoordinator) RemoveBrowser(b io.Closer) {
	if c == nil || b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.browsers, b)
}

// SetLogger registers the run logger for cleanup.
func (c *CleanupCoordinator) SetLogger(l *RunLogger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
}

// Cleanup performs graceful cleanup of all registered resources.
// Safe to call multiple times (idempotent).
func (c *CleanupCoordinator) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	c.done = true

	// Browsers first, they hold connections to the apps
	for b := range c.browsers {
		b.Close()
	}
	c.browsers = nil

	// Stop processes and release project locks (may take up to the stop timeout per process)
	if c.factory != nil {
		c.factory.Dispose()
		c.factory = nil
	}

	if c.logger != nil {
		c.logger.RunEnd(false, "interrupted by signal")
		c.logger.Close()
	}
}

// HandleSignals runs Cleanup and exits when SIGINT or SIGTERM arrives.
// The returned function stops listening.
func (c *CleanupCoordinator) HandleSignals(onSignal func(os.Signal)) (stop func()) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			if onSignal != nil {
				onSignal(sig)
			}
			c.Cleanup()
			os.Exit(130)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
