package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatloop-ai/chatloop/internal/logging"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// watchDebounce coalesces bursts of fsnotify events into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads configuration whenever a config file in the global or
// project config directory changes, calling onChange with the merged
// result. It blocks until ctx is cancelled.
func Watch(ctx context.Context, directory string, onChange func(*types.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := []string{GetPaths().Config}
	if directory != "" {
		dirs = append(dirs, filepath.Join(directory, ".chatloop"))
	}
	for _, dir := range dirs {
		// Missing directories are fine; they may appear later but we
		// only watch what exists at start.
		if err := watcher.Add(dir); err != nil {
			logging.Debug().Err(err).Str("dir", dir).Msg("config dir not watched")
		}
	}

	var timer *time.Timer
	reload := func() {
		cfg, err := Load(directory)
		if err != nil {
			logging.Warn().Err(err).Msg("config reload failed")
			return
		}
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range configNames {
		if strings.EqualFold(base, name) {
			return true
		}
	}
	return false
}
