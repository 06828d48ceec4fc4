// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a config file when it changes on disk.
//
// The parent directory is watched rather than the file itself because
// editors and config management tools usually replace files by rename.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. onChange receives every config that
// loads and validates; invalid edits are logged and ignored.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config), logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("config reload rejected")
		return
	}
	w.logger.Info().Str("event", "config_reloaded").Str("path", w.path).Msg("config reloaded")
	w.onChange(cfg)
}
