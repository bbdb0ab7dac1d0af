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

// Package config loads the daemon configuration from YAML or TOML files
// and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/lifecycle"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Daemon   DaemonConfig              `yaml:"daemon" toml:"daemon"`
	Listen   ListenConfig              `yaml:"listen" toml:"listen"`
	TLS      TLSConfig                 `yaml:"tls" toml:"tls"`
	Peers    []PeerConfig              `yaml:"peers" toml:"peers"`
	Messages map[string]MessagesConfig `yaml:"messages" toml:"messages"`
	History  HistoryConfig             `yaml:"history" toml:"history"`
	Watchdog WatchdogConfig            `yaml:"watchdog" toml:"watchdog"`
	Metrics  MetricsConfig             `yaml:"metrics" toml:"metrics"`
	Tracing  TracingConfig             `yaml:"tracing" toml:"tracing"`
	Secrets  SecretsConfig             `yaml:"secrets" toml:"secrets"`
	Log      LogConfig                 `yaml:"log" toml:"log"`
}

// DaemonConfig identifies the daemon and where it keeps its files.
type DaemonConfig struct {
	// Name is sent in handshakes and prefixes every job message.
	// Environment: BACULA_NAME
	// Default: bacula-fd
	Name string `yaml:"name" toml:"name"`

	// WorkingDirectory holds the state, PID, console and spool files.
	// Environment: BACULA_WORKING_DIR
	// Default: <user cache dir>/bacula
	WorkingDirectory string `yaml:"working_directory" toml:"working_directory"`

	// PIDFile defaults to <working_directory>/<name>.<port>.pid.
	PIDFile string `yaml:"pid_file" toml:"pid_file"`

	// Version is reported to peers after authentication.
	Version string `yaml:"version" toml:"version"`

	// MaxConcurrentJobs bounds RunJob callers. Default: 20.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" toml:"max_concurrent_jobs"`

	// Messages names the resource used for daemon-level messages and as
	// the template for job chains. Default: Standard.
	Messages string `yaml:"messages" toml:"messages"`

	// ShutdownTimeout bounds Shutdown. Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// SendTimeout bounds one console reply or director message on a
	// session socket. Default: 2m.
	SendTimeout time.Duration `yaml:"send_timeout" toml:"send_timeout"`
}

// ListenConfig configures the accept socket.
type ListenConfig struct {
	// Address is host:port.
	// Environment: BACULA_LISTEN
	// Default: 0.0.0.0:9102
	Address string `yaml:"address" toml:"address"`
}

// Port returns the numeric port of Address, or 0 if it has none.
func (l ListenConfig) Port() int {
	_, p, err := net.SplitHostPort(l.Address)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// PeerConfig is a director, console or daemon allowed to connect.
type PeerConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Address string `yaml:"address" toml:"address"`

	// Password is a literal, "secret:<key>" or "env:<NAME>".
	Password string `yaml:"password" toml:"password"`

	// Kind is console or daemon. Default: daemon.
	Kind string `yaml:"kind" toml:"kind"`

	// TLSLevel overrides tls.level for this peer.
	TLSLevel string `yaml:"tls_level" toml:"tls_level"`
}

// HistoryConfig sizes the recent-jobs ring and the SQLite catalog.
type HistoryConfig struct {
	// Capacity of the in-memory ring. Default: 10.
	Capacity int `yaml:"capacity" toml:"capacity"`

	// Catalog is the SQLite path. Empty disables the catalog; a
	// relative path is taken from the working directory.
	Catalog string `yaml:"catalog" toml:"catalog"`

	// WAL enables write-ahead logging on the catalog.
	WAL bool `yaml:"wal" toml:"wal"`

	// Keep is the number of catalog rows kept after pruning. Zero keeps
	// everything.
	Keep int `yaml:"keep" toml:"keep"`
}

// WatchdogConfig configures the timer scheduler.
type WatchdogConfig struct {
	// Tick is the scheduler period. Default: 1s.
	Tick time.Duration `yaml:"tick" toml:"tick"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics and /healthz. Empty disables the server.
	Address string `yaml:"address" toml:"address"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Exporter is stdout or none. Default: stdout.
	Exporter string `yaml:"exporter" toml:"exporter"`

	// SampleRatio is the fraction of root spans kept. Default: 1.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// SecretsConfig selects the password stores.
type SecretsConfig struct {
	// File is the encrypted store path. Default: <user config dir>/bacula/secrets.enc
	File string `yaml:"file" toml:"file"`

	// Keychain enables the OS keychain backend.
	Keychain bool `yaml:"keychain" toml:"keychain"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level" toml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format" toml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source" toml:"add_source"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Name:              "bacula-fd",
			WorkingDirectory:  defaultWorkingDir(),
			Version:           "15.0.2",
			MaxConcurrentJobs: 20,
			Messages:          DefaultMessagesName,
			ShutdownTimeout:   30 * time.Second,
			SendTimeout:       2 * time.Minute,
		},
		Listen: ListenConfig{Address: "0.0.0.0:9102"},
		TLS:    TLSConfig{Level: "none", Compatible: true},
		Messages: map[string]MessagesConfig{
			DefaultMessagesName: DefaultMessages(),
		},
		History:  HistoryConfig{Capacity: jcr.DefaultHistoryCapacity},
		Watchdog: WatchdogConfig{Tick: time.Second},
		Tracing:  TracingConfig{Exporter: "stdout", SampleRatio: 1},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from path, fills defaults, applies
// environment overrides and validates the result. An empty path uses
// defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &bacerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &bacerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// loadFromFile decodes YAML, or TOML for a .toml extension.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// A file that declares messages replaces the default resource set.
	c.Messages = nil

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse TOML: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so minimal files work.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Daemon.Name == "" {
		c.Daemon.Name = d.Daemon.Name
	}
	if c.Daemon.WorkingDirectory == "" {
		c.Daemon.WorkingDirectory = d.Daemon.WorkingDirectory
	}
	if c.Daemon.Version == "" {
		c.Daemon.Version = d.Daemon.Version
	}
	if c.Daemon.MaxConcurrentJobs == 0 {
		c.Daemon.MaxConcurrentJobs = d.Daemon.MaxConcurrentJobs
	}
	if c.Daemon.Messages == "" {
		c.Daemon.Messages = d.Daemon.Messages
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = d.Daemon.ShutdownTimeout
	}
	if c.Daemon.SendTimeout == 0 {
		c.Daemon.SendTimeout = d.Daemon.SendTimeout
	}
	if c.Listen.Address == "" {
		c.Listen.Address = d.Listen.Address
	}
	if c.TLS.Level == "" {
		c.TLS.Level = d.TLS.Level
	}
	if len(c.Messages) == 0 {
		c.Messages = d.Messages
	}
	if c.History.Capacity == 0 {
		c.History.Capacity = d.History.Capacity
	}
	if c.Watchdog.Tick == 0 {
		c.Watchdog.Tick = d.Watchdog.Tick
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = d.Tracing.SampleRatio
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	for i := range c.Peers {
		if c.Peers[i].Kind == "" {
			c.Peers[i].Kind = "daemon"
		}
	}
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("BACULA_NAME"); val != "" {
		c.Daemon.Name = val
	}
	if val := os.Getenv("BACULA_LISTEN"); val != "" {
		c.Listen.Address = val
	}
	if val := os.Getenv("BACULA_WORKING_DIR"); val != "" {
		c.Daemon.WorkingDirectory = val
	}
	if val := os.Getenv("BACULA_PID_FILE"); val != "" {
		c.Daemon.PIDFile = val
	}
	if val := os.Getenv("BACULA_METRICS_ADDR"); val != "" {
		c.Metrics.Address = val
	}
	if val := os.Getenv("BACULA_MAX_CONCURRENT_JOBS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Daemon.MaxConcurrentJobs = n
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.Name == "" {
		errs = append(errs, "daemon.name is required")
	} else if len(c.Daemon.Name) > jcr.MaxNameLength {
		errs = append(errs, fmt.Sprintf("daemon.name is longer than %d characters", jcr.MaxNameLength))
	}
	if c.Daemon.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Sprintf("daemon.max_concurrent_jobs must be at least 1, got %d", c.Daemon.MaxConcurrentJobs))
	}
	if c.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.shutdown_timeout must be positive, got %v", c.Daemon.ShutdownTimeout))
	}
	if c.Daemon.SendTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.send_timeout must be positive, got %v", c.Daemon.SendTimeout))
	}
	if _, ok := c.Messages[c.Daemon.Messages]; !ok {
		errs = append(errs, fmt.Sprintf("daemon.messages names unknown resource %q", c.Daemon.Messages))
	}

	if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
		errs = append(errs, fmt.Sprintf("listen.address %q: %v", c.Listen.Address, err))
	}
	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address %q: %v", c.Metrics.Address, err))
		}
	}

	errs = append(errs, c.TLS.validate()...)

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		key := fmt.Sprintf("peers[%d]", i)
		if p.Name == "" {
			errs = append(errs, key+".name is required")
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", key, p.Name))
		}
		seen[p.Name] = true
		if p.Password == "" {
			errs = append(errs, key+".password is required")
		}
		if _, err := auth.ParseKind(p.Kind); err != nil {
			errs = append(errs, fmt.Sprintf("%s.kind: %v", key, err))
		}
		if p.TLSLevel != "" {
			if _, err := auth.ParseLevel(p.TLSLevel); err != nil {
				errs = append(errs, fmt.Sprintf("%s.tls_level: %v", key, err))
			}
		}
	}

	for name, m := range c.Messages {
		if _, err := m.BuildChain(); err != nil {
			errs = append(errs, fmt.Sprintf("messages.%s: %v", name, err))
		}
	}

	if c.History.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("history.capacity must be at least 1, got %d", c.History.Capacity))
	}
	if c.History.Keep < 0 {
		errs = append(errs, "history.keep must not be negative")
	}
	if c.Watchdog.Tick <= 0 {
		errs = append(errs, fmt.Sprintf("watchdog.tick must be positive, got %v", c.Watchdog.Tick))
	}

	switch c.Tracing.Exporter {
	case "stdout", "none":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be stdout or none, got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio))
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be one of trace, debug, info, warn, error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Peer returns the configured peer with the given name.
func (c *Config) Peer(name string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// PIDPath returns daemon.pid_file or the conventional location.
func (c *Config) PIDPath() string {
	if c.Daemon.PIDFile != "" {
		return c.Daemon.PIDFile
	}
	return lifecycle.PIDPath(c.Daemon.WorkingDirectory, c.Daemon.Name, c.Listen.Port())
}

// StatePath returns the state file location.
func (c *Config) StatePath() string {
	return lifecycle.StatePath(c.Daemon.WorkingDirectory, c.Daemon.Name, c.Listen.Port())
}

// CatalogPath resolves history.catalog against the working directory.
// It returns "" when the catalog is disabled.
func (c *Config) CatalogPath() string {
	p := c.History.Catalog
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Daemon.WorkingDirectory, p)
}

func defaultWorkingDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "bacula")
	}
	return filepath.Join(os.TempDir(), "bacula")
}
