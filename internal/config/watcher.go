// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onReload func(*Config)
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the config file.
	Path string

	// OnReload receives each configuration that loads and validates.
	OnReload func(*Config)

	Logger *slog.Logger

	// Debounce collapses bursts of writes. Default: 200ms.
	Debounce time.Duration
}

// NewWatcher starts watching cfg.Path. The parent directory is watched
// so editors that replace the file by rename are seen too.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     abs,
		fs:       fs,
		onReload: cfg.OnReload,
		logger:   log.WithComponent(log.OrDefault(cfg.Logger), "config"),
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
	}

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", log.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		// Keep running on the previous configuration.
		w.logger.Warn("config reload rejected", "path", w.path, log.Error(err))
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Close stops the watcher. A reload already running is not interrupted.
func (w *Watcher) Close() error {
	w.cancel()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.fs.Close()
}
