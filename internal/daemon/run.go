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


package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the configuration file. Empty uses the default
	// location when it exists and built-in defaults otherwise.
	ConfigPath string

	// Config overrides
	Name       string
	ListenAddr string
	WorkingDir string
	Debug      bool
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or a fatal
// error. SIGHUP is ignored; configuration changes are picked up by the
// file watcher.
func Run(opts RunOptions) error {
	cfg, path, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	if opts.Name != "" {
		cfg.Daemon.Name = opts.Name
	}
	if opts.ListenAddr != "" {
		cfg.Listen.Address = opts.ListenAddr
	}
	if opts.WorkingDir != "" {
		cfg.Daemon.WorkingDirectory = opts.WorkingDir
	}
	if opts.Debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	d, err := New(cfg, Options{
		Version:    opts.Version,
		Commit:     opts.Commit,
		BuildDate:  opts.BuildDate,
		ConfigPath: path,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	signal.Ignore(syscall.SIGHUP)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("daemon error", log.Error(runErr))
			runErr = fmt.Errorf("daemon error: %w", runErr)
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout+5*time.Second)
	defer stop()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", log.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("shutdown error: %w", err)
		}
	}
	return runErr
}

// LoadConfig loads path, or the default location if path is empty. A
// missing default file is not an error. The returned path is empty when
// no file was read.
func LoadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		def, err := config.Path()
		if err != nil {
			return nil, "", err
		}
		if _, err := os.Stat(def); err != nil {
			cfg, err := config.Load("")
			return cfg, "", err
		}
		path = def
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
