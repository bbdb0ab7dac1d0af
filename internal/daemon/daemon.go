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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
	"github.com/rkorzeniewski/bacula-sub003/internal/catalog"
	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/lifecycle"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/messages"
	"github.com/rkorzeniewski/bacula-sub003/internal/secrets"
	"github.com/rkorzeniewski/bacula-sub003/internal/tracing"
	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
)

// Options contains daemon options set at build time or by the caller.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath enables hot reload of the message resources and peers.
	ConfigPath string

	// Logger defaults to one built from the log section of the config.
	Logger *slog.Logger

	// Exit is handed to the message router. Defaults to os.Exit.
	Exit func(int)

	// Stdout receives stdout message destinations. Defaults to os.Stdout.
	Stdout io.Writer

	// Secrets overrides the password resolver built from the config.
	Secrets *secrets.Resolver
}

// Daemon is a running Bacula daemon: it accepts authenticated sessions,
// keeps the job registry and routes job messages.
type Daemon struct {
	opts   Options
	logger *slog.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	registry *jcr.Registry
	timers   *watchdog.Scheduler
	router   *messages.Router
	secrets  *secrets.Resolver
	masker   *secrets.Masker
	throttle *auth.Throttle
	catalog  *catalog.Catalog
	sink     func(jcr.Summary)
	state    *lifecycle.StateFile
	pidFile  *lifecycle.PIDFile
	tracing  *tracing.Provider
	tlsConf  *tls.Config
	commands *log.CommandMiddleware

	jobSlots  chan struct{}
	nextJobID atomic.Uint32

	ln      net.Listener
	metrics *http.Server
	watcher *config.Watcher
	ready   chan struct{}
	conns   sync.WaitGroup

	runMu   sync.RWMutex
	closing bool
	running sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
}

// New builds a daemon from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{
			Level:     cfg.Log.Level,
			Format:    log.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}
	masker := secrets.NewMasker()
	logger = log.Redact(logger, masker.Mask)
	if opts.Version == "" {
		opts.Version = cfg.Daemon.Version
	}
	slots := cfg.Daemon.MaxConcurrentJobs
	if slots <= 0 {
		slots = 1
	}

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   log.WithComponent(logger, "daemon"),
		masker:   masker,
		state:    lifecycle.NewStateFile(cfg.StatePath()),
		pidFile:  lifecycle.NewPIDFile(cfg.PIDPath()),
		throttle: auth.NewThrottle(5*time.Second, 3),
		commands: log.NewCommandMiddleware(log.WithComponent(logger, "console")),
		jobSlots: make(chan struct{}, slots),
		ready:    make(chan struct{}),
	}

	history, err := d.state.Read(cfg.History.Capacity)
	if err != nil {
		d.logger.Warn("ignoring unreadable state file",
			"path", d.state.Path(),
			log.Error(err))
		history = jcr.NewHistory(cfg.History.Capacity)
	}
	if last, ok := history.Last(); ok {
		d.nextJobID.Store(last.JobID)
	}

	if path := cfg.CatalogPath(); path != "" {
		d.catalog, err = catalog.Open(context.Background(), catalog.Config{
			Path:   path,
			WAL:    cfg.History.WAL,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		d.sink = d.catalog.Sink()
	}

	d.registry = jcr.New(jcr.Config{
		History:   history,
		OnHistory: d.recordHistory,
		Logger:    logger,
	})
	d.timers = watchdog.New(watchdog.Config{
		Tick:      cfg.Watchdog.Tick,
		OuterLock: d.registry.ReadLocker(),
		Logger:    logger,
	})

	chain, err := cfg.BuildChain(cfg.Daemon.Messages)
	if err != nil {
		d.closeCatalog()
		return nil, fmt.Errorf("failed to build message chain: %w", err)
	}
	d.router = messages.New(messages.Config{
		DaemonName:  cfg.Daemon.Name,
		WorkingDir:  cfg.Daemon.WorkingDirectory,
		Chain:       chain,
		Exit:        opts.Exit,
		Stdout:      opts.Stdout,
		SendTimeout: cfg.Daemon.SendTimeout,
		Logger:      logger,
	})

	d.secrets = opts.Secrets
	if d.secrets == nil {
		d.secrets, err = secrets.NewDefaultResolver(cfg.Secrets.File, cfg.Secrets.Keychain)
		if err != nil {
			d.closeCatalog()
			return nil, err
		}
	}

	d.tlsConf, err = cfg.TLS.ServerConfig()
	if err != nil {
		d.closeCatalog()
		return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
	}

	if cfg.Tracing.Enabled {
		d.tracing, err = tracing.New(tracing.Config{
			ServiceName:    cfg.Daemon.Name,
			ServiceVersion: opts.Version,
			Exporter:       cfg.Tracing.Exporter,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			d.closeCatalog()
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
	}

	return d, nil
}

// Registry returns the job registry.
func (d *Daemon) Registry() *jcr.Registry { return d.registry }

// Router returns the message router.
func (d *Daemon) Router() *messages.Router { return d.router }

// Timers returns the watchdog scheduler.
func (d *Daemon) Timers() *watchdog.Scheduler { return d.timers }

// Catalog returns the job catalog, or nil when it is disabled.
func (d *Daemon) Catalog() *catalog.Catalog { return d.catalog }

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Ready is closed once the daemon accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr returns the listening address, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Start takes the PID file, starts the watchdog and serves sessions
// until ctx is done or the listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.startedAt = time.Now()
	d.mu.Unlock()

	cfg := d.Config()

	if err := d.pidFile.Create(os.Getpid()); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.timers.Start(ctx); err != nil {
		d.pidFile.Remove()
		return fmt.Errorf("failed to start watchdog: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Listen.Address)
	if err != nil {
		d.timers.Stop()
		d.pidFile.Remove()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.Address, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	errCh := make(chan error, 2)

	if cfg.Metrics.Address != "" {
		d.metrics = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      d.httpHandler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if d.opts.ConfigPath != "" {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     d.opts.ConfigPath,
			OnReload: d.reload,
			Logger:   d.logger,
		})
		if err != nil {
			d.logger.Warn("config hot reload disabled", log.Error(err))
		} else {
			d.watcher = w
		}
	}

	d.logger.Info("daemon starting",
		slog.String("name", cfg.Daemon.Name),
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.Int("history", d.registry.History().Len()))
	d.router.Jmsg(nil, messages.TypeInfo, 0, "Daemon started %s. Jobs: run=%d\n",
		time.Now().Format("02-Jan-06 15:04"), d.registry.History().Len())

	go func() {
		errCh <- d.acceptLoop(ctx, ln)
	}()
	close(d.ready)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (d *Daemon) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok jobs=%d\n", d.registry.Len())
	})
	return mux
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d.logger.Warn("accept failed, retrying", log.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.serveSession(ctx, conn)
		}()
	}
}

// reload swaps in a newly loaded configuration. Only the message
// resources and the peer list take effect without a restart.
func (d *Daemon) reload(cfg *config.Config) {
	chain, err := cfg.BuildChain(cfg.Daemon.Messages)
	if err != nil {
		d.logger.Warn("config reload rejected", log.Error(err))
		return
	}
	if err := d.router.SetChain(chain); err != nil {
		d.logger.Warn("closing previous message chain failed", log.Error(err))
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	d.logger.Info("configuration reloaded",
		slog.Int("peers", len(cfg.Peers)),
		slog.String("messages", cfg.Daemon.Messages))
}

// recordHistory is the registry's history hook: it persists the ring and
// forwards the summary to the catalog.
func (d *Daemon) recordHistory(s jcr.Summary) {
	if err := d.state.Write(d.registry.History()); err != nil {
		d.logger.Error("failed to write state file", log.JobIDKey, s.JobID, log.Error(err))
	}
	if d.catalog == nil {
		return
	}
	d.sink(s)
	if keep := d.Config().History.Keep; keep > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n, err := d.catalog.Prune(ctx, keep); err != nil {
			d.logger.Warn("catalog prune failed", log.Error(err))
		} else if n > 0 {
			d.logger.Debug("catalog pruned", slog.Int64("rows", n))
		}
	}
}

// Shutdown stops accepting sessions, cancels running jobs and releases
// every resource the daemon holds.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return nil
	}
	d.stopped = true

	d.runMu.Lock()
	d.closing = true
	d.runMu.Unlock()

	d.logger.Info("graceful shutdown initiated", slog.Int("jobs", d.registry.Len()))

	if d.ln != nil {
		if err := d.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			d.logger.Error("listener close error", log.Error(err))
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Error("config watcher close error", log.Error(err))
		}
	}

	canceled := d.cancelAll()
	if canceled > 0 {
		d.logger.Info("canceled running jobs", slog.Int("count", canceled))
	}

	done := make(chan struct{})
	go func() {
		d.conns.Wait()
		d.running.Wait()
		close(done)
	}()
	timeout := d.Config().Daemon.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("sessions or jobs still open after shutdown timeout",
			slog.Duration("timeout", timeout))
	case <-ctx.Done():
		d.logger.Warn("shutdown context done before sessions and jobs ended", log.Error(ctx.Err()))
	}

	d.timers.Stop()

	if d.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics server shutdown error", log.Error(err))
		}
	}

	if err := d.router.Close(); err != nil {
		d.logger.Error("closing daemon message chain failed", log.Error(err))
	}

	if err := d.state.Write(d.registry.History()); err != nil {
		d.logger.Error("failed to write state file", log.Error(err))
	}

	if err := d.pidFile.Remove(); err != nil {
		d.logger.Error("failed to remove PID file",
			log.Error(err),
			slog.String("path", d.pidFile.Path()))
	}

	if d.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.tracing.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("tracing provider shutdown error", log.Error(err))
		}
	}

	d.closeCatalog()

	d.logger.Info("daemon stopped")
	return nil
}

// cancelAll cancels every registered job and returns how many there were.
func (d *Daemon) cancelAll() int {
	var n int
	d.registry.ForEach(func(j *jcr.Job) bool {
		j.Cancel()
		n++
		return true
	})
	return n
}

func (d *Daemon) closeCatalog() {
	if d.catalog == nil {
		return
	}
	if err := d.catalog.Close(); err != nil {
		d.logger.Error("failed to close catalog", log.Error(err))
	}
}
