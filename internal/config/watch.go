package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads configuration when source files change.
// Params: ctx stops the watcher; src is the loaded source; onChange receives each valid snapshot.
// Returns: watcher setup error; nil after ctx is cancelled.
func Watch(ctx context.Context, src ConfigSource, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so a single file is watched through its directory.
	target := src.Dir
	if src.File != "" {
		target = filepath.Dir(src.File)
	}
	if err := watcher.Add(target); err != nil {
		return fmt.Errorf("watch %q: %w", target, err)
	}
	logger.Info("config watch started", "path", target)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(src, event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			cfg, err := LoadSnapshot(src)
			if err != nil {
				logger.Error("config reload failed, keeping previous snapshot", "error", err.Error())
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err.Error())
		}
	}
}

// relevantEvent filters watcher events down to config file writes.
func relevantEvent(src ConfigSource, event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	if src.File != "" {
		return filepath.Clean(event.Name) == filepath.Clean(src.File)
	}
	return filepath.Ext(event.Name) == ".toml"
}
