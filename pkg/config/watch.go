package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gobbyhq/gobby/pkg/logger"
)

var watchLog = logger.New("config:watch")

const debounceDelay = 300 * time.Millisecond

// Watch reloads the configuration whenever a tier file changes and hands the
// fresh Config to onReload. It watches the containing directories so editors
// that replace files (rename-over-write) still trigger. Blocks until ctx ends.
func Watch(ctx context.Context, projectDir string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewBufferedWatcher(100)
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := map[string]struct{}{}
	for _, path := range Paths(projectDir) {
		dir := filepath.Dir(path)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watchLog.Printf("warn: not watching %s: %v", dir, err)
			continue
		}
		watched[dir] = struct{}{}
	}
	if len(watched) == 0 {
		<-ctx.Done()
		return nil
	}

	interesting := map[string]struct{}{}
	for _, path := range Paths(projectDir) {
		interesting[filepath.Clean(path)] = struct{}{}
	}

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex
	reload := func() {
		cfg, err := Load(projectDir)
		if err != nil {
			watchLog.Printf("warn: config reload skipped: %v", err)
			return
		}
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if _, ok := interesting[filepath.Clean(event.Name)]; !ok {
				continue
			}
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, reload)
			debounceMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			watchLog.Printf("warn: watcher error: %v", err)
		}
	}
}
