package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	selfupdate "github.com/creativeprojects/go-selfupdate"
)

const updateCheckInterval = 24 * time.Hour

type updateCheckCache struct {
	LastCheck     time.Time `json:"lastCheck"`
	LatestVersion string    `json:"latestVersion"`
}

// updateNotice holds the result of a background update check.
var updateNotice chan string

// startUpdateCheck kicks off a background goroutine that checks for a newer
// version. Call printUpdateNotice before exiting to display the result.
func startUpdateCheck() {
	if version == "dev" {
		return
	}

	updateNotice = make(chan string, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				// never crash the main process
			}
		}()

		latest, ok := checkForUpdate()
		if ok {
			updateNotice <- latest
		}
		close(updateNotice)
	}()
}

// printUpdateNotice prints a notification if a newer version was found.
// Non-blocking: if the check hasn't finished yet, it skips.
func printUpdateNotice() {
	if updateNotice == nil {
		return
	}
	select {
	case v, ok := <-updateNotice:
		if ok && v != "" {
			os.Stderr.WriteString("\nA new version of tmplcheck is available: v" + v + " (current: v" + version + ")\nRun 'tmplcheck upgrade' to update.\n")
		}
	default:
		// check still running, don't block
	}
}

func checkForUpdate() (string, bool) {
	return checkForUpdateCached(updateCheckCachePath(), detectLatestRelease)
}

// detectLatestRelease returns the latest released version and whether it is
// newer than the running one.
func detectLatestRelease(ctx context.Context) (latest string, newer bool, found bool) {
	release, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(releaseSlug))
	if err != nil || !found {
		return "", false, false
	}
	return release.Version(), !release.LessOrEqual(version), true
}

// checkForUpdateCached consults the cache file before calling detect.
func checkForUpdateCached(cachePath string, detect func(ctx context.Context) (string, bool, bool)) (string, bool) {
	// Check cache first
	if data, err := os.ReadFile(cachePath); err == nil {
		var cache updateCheckCache
		if json.Unmarshal(data, &cache) == nil {
			if time.Since(cache.LastCheck) < updateCheckInterval {
				if cache.LatestVersion != "" && cache.LatestVersion != version {
					return cache.LatestVersion, true
				}
				return "", false
			}
		}
	}

	// Cache expired or missing, check GitHub
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	latestVersion, newer, found := detect(ctx)
	if !found {
		return "", false
	}

	if !newer {
		latestVersion = ""
	}

	// Only a newer release is cached, so an old cache never downgrades the notice
	AtomicWriteJSON(cachePath, updateCheckCache{
		LastCheck:     time.Now(),
		LatestVersion: latestVersion,
	})

	return latestVersion, newer
}

func updateCheckCachePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tmplcheck", "update-check.json")
	}
	return filepath.Join(os.TempDir(), "tmplcheck-update-check.json")
}
