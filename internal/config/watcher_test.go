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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bacula-fd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  name: first-fd\n"), 0o600))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		OnReload: func(c *Config) { reloaded <- c },
		Logger:   log.Discard(),
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	// An invalid file is rejected and does not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	select {
	case c := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", c.Log)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  name: second-fd\n"), 0o600))
	select {
	case c := <-reloaded:
		assert.Equal(t, "second-fd", c.Daemon.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bacula-fd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	called := make(chan struct{}, 1)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		OnReload: func(*Config) { called <- struct{}{} },
		Logger:   log.Discard(),
		Debounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	select {
	case <-called:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Path: "x.yaml"})
	assert.Error(t, err)
	_, err = NewWatcher(WatcherConfig{OnReload: func(*Config) {}})
	assert.Error(t, err)
}
