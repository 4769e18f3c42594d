// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultWatchDebounce = 2 * time.Second

// Watch reports changes to the config file at path. The containing directory
// is watched instead of the file itself, since most editors replace the file
// on save. Bursts of events are collapsed into a single notification once the
// file has been quiet for the debounce interval. The returned channel is closed
// when ctx is done or the watcher fails.
func Watch(ctx context.Context, path string, debounce time.Duration) (<-chan struct{}, error) {
	log := zerolog.Ctx(ctx).With().Str("component", "config_watcher").Logger()
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	log.Debug().Str("path", absPath).Msg("Watching config file for changes")

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer watcher.Close()

		// debounceTimer is nil when idle and non-nil while waiting for
		// writes to settle.
		var debounceTimer *time.Timer
		var debounceCh <-chan time.Time
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != absPath {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer == nil {
					debounceTimer = time.NewTimer(debounce)
					debounceCh = debounceTimer.C
				} else {
					debounceTimer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			case <-debounceCh:
				debounceTimer = nil
				debounceCh = nil
				log.Info().Str("path", absPath).Msg("Config file changed")
				select {
				case changes <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
	return changes, nil
}
