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

package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// pipeClient returns a client wired to the far end of a pipe, playing
// the daemon.
func pipeClient(t *testing.T, timeout time.Duration) (*Client, *bsock.Socket) {
	t.Helper()
	timers := watchdog.New(watchdog.Config{Tick: 20 * time.Millisecond, Logger: log.Discard()})
	if err := timers.Start(context.Background()); err != nil {
		t.Fatalf("start watchdog: %v", err)
	}
	a, b := net.Pipe()
	c := &Client{
		sock:    bsock.New(a, bsock.Options{Who: "Director daemon", Timers: timers, Logger: log.Discard()}),
		timers:  timers,
		timeout: timeout,
	}
	daemonSide := bsock.New(b, bsock.Options{Who: "console", Logger: log.Discard()})
	t.Cleanup(func() {
		_ = daemonSide.Close()
		_ = c.sock.Close()
		timers.Stop()
	})
	return c, daemonSide
}

func TestCommandReply(t *testing.T) {
	c, daemonSide := pipeClient(t, time.Minute)

	go func() {
		if _, err := daemonSide.Recv(); err != nil {
			return
		}
		_ = daemonSide.Fsend("reply to %s\n", daemonSide.Msg())
		_ = daemonSide.Signal(bsock.SignalEOD)
	}()

	var out bytes.Buffer
	if err := c.Command("version", &out); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if got := out.String(); got != "reply to version\n" {
		t.Errorf("reply = %q", got)
	}
	if c.sock.HasTimer() {
		t.Error("deadline still armed after the reply")
	}
}

func TestCommandTerminateIsEOF(t *testing.T) {
	c, daemonSide := pipeClient(t, time.Minute)

	go func() {
		if _, err := daemonSide.Recv(); err != nil {
			return
		}
		_ = daemonSide.Signal(bsock.SignalTerminate)
	}()

	if err := c.Command("quit", io.Discard); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestCommandTimesOutOnSilentDaemon(t *testing.T) {
	c, daemonSide := pipeClient(t, 100*time.Millisecond)

	// Read the request, then never answer.
	go func() { _, _ = daemonSide.Recv() }()

	start := time.Now()
	err := c.Command("status", io.Discard)
	var terr *bacerrors.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected a TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Command returned after %v", elapsed)
	}
	if !c.sock.IsError() {
		t.Error("socket not flagged after the timeout")
	}
}

func TestCloseDoesNotHangOnSilentDaemon(t *testing.T) {
	c, _ := pipeClient(t, 100*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on a daemon that does not read")
	}
}
