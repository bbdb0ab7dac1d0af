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
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/lifecycle"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/messages"
	"github.com/rkorzeniewski/bacula-sub003/internal/secrets"
	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

const consolePassword = "xyzzy-console"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.Name = "test-fd"
	cfg.Daemon.WorkingDirectory = t.TempDir()
	cfg.Daemon.ShutdownTimeout = 5 * time.Second
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Watchdog.Tick = 10 * time.Millisecond
	cfg.Peers = []config.PeerConfig{
		{Name: "admin", Password: consolePassword, Kind: "console"},
		{Name: "bacula-dir", Password: "env:TEST_DIR_PASSWORD", Kind: "daemon"},
	}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, Options{
		Version:   "15.0.2",
		BuildDate: "2025-03-07",
		Logger:    log.Discard(),
		Stdout:    io.Discard,
		Exit:      func(int) {},
		Secrets:   secrets.NewResolver(secrets.NewEnvBackend()),
	})
	require.NoError(t, err)
	return d
}

// startDaemon runs d until the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon did not start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown(context.Background()))
		cancel()
	})
}

func clientTimers(t *testing.T) *watchdog.Scheduler {
	t.Helper()
	s := watchdog.New(watchdog.Config{Tick: 10 * time.Millisecond, Logger: log.Discard()})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func dialConsole(t *testing.T, d *Daemon, name, password string) (*bsock.Socket, error) {
	t.Helper()
	ctx := context.Background()
	sock, err := bsock.Dial(ctx, d.Addr().String(), bsock.DialOptions{
		Options: bsock.Options{Who: "test-fd", Timers: clientTimers(t), Logger: log.Discard()},
	})
	require.NoError(t, err)
	_, err = auth.Initiate(ctx, sock, auth.Params{
		Name:     name,
		Password: password,
		Kind:     auth.KindConsole,
		Timeout:  5 * time.Second,
		Logger:   log.Discard(),
	})
	if err != nil {
		sock.Close()
		return nil, err
	}
	t.Cleanup(func() { sock.Close() })
	return sock, nil
}

// command sends line and collects the reply up to the end-of-data signal.
func command(t *testing.T, sock *bsock.Socket, line string) string {
	t.Helper()
	require.NoError(t, sock.Fsend("%s", line))
	var b strings.Builder
	for {
		n, err := sock.Recv()
		require.NoError(t, err)
		if n == bsock.SignalEOD {
			return b.String()
		}
		if n >= 0 {
			b.WriteString(sock.Msg())
		}
	}
}

func TestConsoleSession(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	startDaemon(t, d)

	sock, err := dialConsole(t, d, "admin", consolePassword)
	require.NoError(t, err)

	assert.Equal(t, "test-fd Version: 15.0.2 (2025-03-07)\n", command(t, sock, "version"))

	status := command(t, sock, "status")
	assert.Contains(t, status, "test-fd Version: 15.0.2")
	assert.Contains(t, status, "No Jobs running.")
	assert.Contains(t, status, "No Terminated Jobs.")

	assert.Contains(t, command(t, sock, "frobnicate"), `2900 unknown command "frobnicate"`)

	require.Eventually(t, func() bool { return d.Registry().Len() == 1 }, time.Second, 10*time.Millisecond)
	jobs := d.Registry().Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jcr.TypeConsole, jobs[0].Type)
	assert.Equal(t, uint32(0), jobs[0].ID)
	assert.Equal(t, "admin", jobs[0].Client)

	command(t, sock, "quit")
	require.Eventually(t, func() bool { return d.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRejectsBadPassword(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	startDaemon(t, d)

	_, err := dialConsole(t, d, "admin", "wrong")
	require.Error(t, err)
	var protoErr *bacerrors.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	assert.Equal(t, 0, d.Registry().Len())
}

func TestPeerPasswordFromEnvironment(t *testing.T) {
	t.Setenv("TEST_DIR_PASSWORD", "dir-secret")
	d := newTestDaemon(t, testConfig(t))
	startDaemon(t, d)

	sock, err := dialConsole(t, d, "bacula-dir", "dir-secret")
	require.NoError(t, err)
	assert.Contains(t, command(t, sock, "version"), "15.0.2")
}

func TestRunJobFinalStatus(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)
	ctx := context.Background()
	spec := func(name string) JobSpec {
		return JobSpec{Spec: jcr.Spec{Name: name, Type: jcr.TypeBackup, Level: jcr.LevelFull}}
	}

	status, err := d.RunJob(ctx, spec("Good"), func(ctx context.Context, j *jcr.Job) error {
		j.AddFiles(3)
		j.AddBytes(4096)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, jcr.StatusTerminated, status)

	boom := errors.New("disk on fire")
	status, err = d.RunJob(ctx, spec("Bad"), func(context.Context, *jcr.Job) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, jcr.StatusErrorTerminated, status)

	status, err = d.RunJob(ctx, spec("Slow"), func(context.Context, *jcr.Job) error {
		return &bacerrors.TimeoutError{Operation: "recv", Duration: time.Second}
	})
	require.Error(t, err)
	assert.Equal(t, jcr.StatusCanceled, status)

	status, _ = d.RunJob(ctx, spec("Fatal"), func(ctx context.Context, j *jcr.Job) error {
		d.Router().Jmsg(j, messages.TypeFatal, 0, "volume unreadable\n")
		return nil
	})
	assert.Equal(t, jcr.StatusFatalError, status)

	status, err = d.RunJob(ctx, spec("Panics"), func(context.Context, *jcr.Job) error { panic("bad pointer") })
	assert.ErrorContains(t, err, "bad pointer")
	assert.Equal(t, jcr.StatusFatalError, status)

	entries := d.Registry().History().Entries()
	require.Len(t, entries, 5)
	assert.Equal(t, uint32(1), entries[0].JobID)
	assert.Equal(t, uint64(4096), entries[0].JobBytes)
	assert.Equal(t, jcr.StatusErrorTerminated, entries[1].Status)

	h, err := lifecycle.NewStateFile(cfg.StatePath()).Read(cfg.History.Capacity)
	require.NoError(t, err)
	assert.Equal(t, 5, h.Len())
	assert.Equal(t, 0, d.Registry().Len())
}

func TestJobIDsContinueFromStateFile(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)
	_, err := d.RunJob(context.Background(), JobSpec{Spec: jcr.Spec{ID: 41, Name: "Seed", Type: jcr.TypeBackup}},
		func(context.Context, *jcr.Job) error { return nil })
	require.NoError(t, err)

	d2 := newTestDaemon(t, cfg)
	var got uint32
	_, err = d2.RunJob(context.Background(), JobSpec{Spec: jcr.Spec{Name: "Next", Type: jcr.TypeBackup}},
		func(_ context.Context, j *jcr.Job) error {
			got = j.ID()
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got)
	assert.Equal(t, 2, d2.Registry().History().Len())
}

func TestRunJobMaxRunTime(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	require.NoError(t, d.Timers().Start(context.Background()))
	t.Cleanup(d.Timers().Stop)

	start := time.Now()
	status, err := d.RunJob(context.Background(), JobSpec{
		Spec:       jcr.Spec{Name: "Stuck", Type: jcr.TypeBackup},
		MaxRunTime: 50 * time.Millisecond,
	}, func(ctx context.Context, _ *jcr.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var timeout *bacerrors.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, jcr.StatusCanceled, status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConsoleCancel(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	startDaemon(t, d)

	started := make(chan struct{})
	done := make(chan jcr.Status, 1)
	go func() {
		status, _ := d.RunJob(context.Background(), JobSpec{Spec: jcr.Spec{ID: 42, Name: "NightlySave", Type: jcr.TypeBackup}},
			func(ctx context.Context, _ *jcr.Job) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
		done <- status
	}()
	<-started

	sock, err := dialConsole(t, d, "admin", consolePassword)
	require.NoError(t, err)

	status := command(t, sock, "status")
	assert.Contains(t, status, "JobId 42 Job NightlySave.")
	assert.Contains(t, status, "is running.")

	assert.Contains(t, command(t, sock, "cancel jobid=999"), "2900 job not found: jobid=999")
	assert.Contains(t, command(t, sock, "cancel"), "2900 usage:")
	assert.Contains(t, command(t, sock, "cancel jobid=42"), "marked to be canceled")

	select {
	case s := <-done:
		assert.Equal(t, jcr.StatusCanceled, s)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not canceled")
	}

	msgs := command(t, sock, "messages")
	assert.Contains(t, msgs, "Start Backup JobId 42")
	assert.Equal(t, "You have no messages.\n", command(t, sock, "messages"))
}

func TestCancelByName(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	started := make(chan struct{})
	done := make(chan jcr.Status, 1)
	go func() {
		status, _ := d.RunJob(context.Background(), JobSpec{Spec: jcr.Spec{Name: "Weekly", Type: jcr.TypeVerify}},
			func(ctx context.Context, _ *jcr.Job) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
		done <- status
	}()
	<-started

	_, err := d.cancelByName("Weekly.")
	require.NoError(t, err)
	assert.Equal(t, jcr.StatusCanceled, <-done)

	_, err = d.cancelByName("Weekly.")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, d.Cancel(0), ErrJobNotFound)
}

func TestCancelByNameSkipsConsoleSessions(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	console, err := d.Registry().NewJob(ctx, jcr.Spec{Name: "Weekly", Type: jcr.TypeConsole}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Registry().Release(console)) }()

	started := make(chan struct{})
	done := make(chan jcr.Status, 1)
	go func() {
		status, _ := d.RunJob(ctx, JobSpec{Spec: jcr.Spec{Name: "WeeklyVerify", Type: jcr.TypeVerify}},
			func(ctx context.Context, _ *jcr.Job) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
		done <- status
	}()
	<-started

	j, err := d.cancelByName("Weekly")
	require.NoError(t, err)
	assert.Equal(t, jcr.TypeVerify, j.Type())
	assert.Equal(t, jcr.StatusCanceled, <-done)
	assert.False(t, console.IsCanceled())
}

// pipeSession serves console commands over one end of a pipe and returns
// the other end with the channel that receives serveCommands' result.
func pipeSession(t *testing.T, d *Daemon) (*bsock.Socket, <-chan error) {
	t.Helper()
	require.NoError(t, d.Timers().Start(context.Background()))
	t.Cleanup(d.Timers().Stop)

	a, b := net.Pipe()
	server := bsock.New(a, bsock.Options{Who: "client", Timers: d.Timers(), Logger: log.Discard()})
	client := bsock.New(b, bsock.Options{Who: "test-fd", Logger: log.Discard()})
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	j := jcr.NewJob(context.Background(), jcr.Spec{Name: ConsoleName, Type: jcr.TypeConsole}, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.serveCommands(&session{id: "s1", peer: "admin", sock: server, job: j})
	}()
	return client, errCh
}

func TestStalledConsoleReplyIsTimedOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.SendTimeout = 100 * time.Millisecond
	d := newTestDaemon(t, cfg)
	client, errCh := pipeSession(t, d)

	// The reply is never read.
	require.NoError(t, client.Fsend("version"))

	select {
	case err := <-errCh:
		var terr *bacerrors.TimeoutError
		assert.ErrorAs(t, err, &terr)
	case <-time.After(3 * time.Second):
		t.Fatal("session blocked on a console that does not read")
	}
}

func TestQuitReportsLostPeer(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	client, errCh := pipeSession(t, d)

	require.NoError(t, client.Fsend("quit"))
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestCatalogBackedStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Catalog = "catalog.db"
	cfg.History.Keep = 2
	d := newTestDaemon(t, cfg)
	t.Cleanup(func() { d.closeCatalog() })
	ctx := context.Background()

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := d.RunJob(ctx, JobSpec{Spec: jcr.Spec{Name: name, Type: jcr.TypeBackup, Level: jcr.LevelIncremental}},
			func(context.Context, *jcr.Job) error { return nil })
		require.NoError(t, err)
	}

	recent, err := d.Catalog().Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint32(3), recent[0].JobID)

	var b strings.Builder
	require.NoError(t, d.Status(ctx, &b))
	out := b.String()
	assert.Contains(t, out, "Gamma")
	assert.Contains(t, out, "Beta")
	assert.NotContains(t, out, "Alpha")
	assert.Contains(t, out, "Incremental")
	assert.Less(t, strings.Index(out, "Beta"), strings.Index(out, "Gamma"))
}

func TestShutdownReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	<-d.Ready()

	_, err := os.Stat(cfg.PIDPath())
	require.NoError(t, err)

	sock, err := dialConsole(t, d, "admin", consolePassword)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Registry().Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))

	_, err = os.Stat(cfg.PIDPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.StatePath())
	assert.NoError(t, err)
	assert.Equal(t, 0, d.Registry().Len())
	assert.False(t, d.Timers().Running())

	_, err = sock.Recv()
	assert.Error(t, err)

	_, err = d.RunJob(context.Background(), JobSpec{Spec: jcr.Spec{Name: "Late", Type: jcr.TypeBackup}},
		func(context.Context, *jcr.Job) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)

	require.NoError(t, d.Shutdown(context.Background()))
}

func TestReloadReplacesChainAndPeers(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)

	next := testConfig(t)
	next.Peers = []config.PeerConfig{{Name: "operator", Password: "pw", Kind: "console"}}
	d.reload(next)

	_, ok := d.lookupPeer(context.Background())("admin")
	assert.False(t, ok)
	p, ok := d.lookupPeer(context.Background())("operator")
	require.True(t, ok)
	assert.Equal(t, "pw", p.Password)
	assert.Equal(t, auth.KindConsole, p.Kind)

	broken := testConfig(t)
	broken.Daemon.Messages = "Missing"
	d.reload(broken)
	assert.Same(t, next, d.Config())
}

func TestPeerTLSOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peers = append(cfg.Peers, config.PeerConfig{Name: "sd", Password: "pw", TLSLevel: "required"})
	d := newTestDaemon(t, cfg)

	p, ok := d.lookupPeer(context.Background())("sd")
	require.True(t, ok)
	assert.Equal(t, auth.TLSRequired, p.TLSLevel)
	assert.Equal(t, auth.KindDaemon, p.Kind)

	_, ok = d.lookupPeer(context.Background())("bacula-dir")
	assert.False(t, ok, "unset environment variable must not resolve")
}

func TestHTTPHandler(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	srv := httptest.NewServer(d.httpHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok jobs=0\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "bacula_jobs_registered")
}
