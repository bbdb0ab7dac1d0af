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


// Package console implements bconsole, the interactive client of a
// bacula daemon's command port.
package console

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
)

const (
	// DefaultName is the console name sent when none is configured.
	DefaultName = "*UserAgent*"

	// DefaultCommandTimeout bounds one request and its reply.
	DefaultCommandTimeout = 2 * time.Minute
)

// ClientOptions configures Connect.
type ClientOptions struct {
	Address  string
	Name     string
	Password string

	TLSLevel  auth.Level
	TLSConfig *tls.Config
	Legacy    bool

	// Timeout bounds the handshake. Default: auth.ConsoleTimeout.
	Timeout time.Duration

	// CommandTimeout bounds each Command. Default: DefaultCommandTimeout.
	CommandTimeout time.Duration

	// MaxRetryTime keeps retrying the connection this long.
	MaxRetryTime time.Duration

	Logger *slog.Logger
}

// Client is an authenticated console connection.
type Client struct {
	sock     *bsock.Socket
	timers   *watchdog.Scheduler
	greeting string
	timeout  time.Duration
}

// Connect dials the daemon and authenticates as a console.
func Connect(ctx context.Context, opts ClientOptions) (*Client, error) {
	logger := log.OrDefault(opts.Logger)
	name := opts.Name
	if name == "" {
		name = DefaultName
	}

	timers := watchdog.New(watchdog.Config{Logger: logger})
	if err := timers.Start(ctx); err != nil {
		return nil, err
	}

	sock, err := bsock.Dial(ctx, opts.Address, bsock.DialOptions{
		Options:       bsock.Options{Who: "Director daemon", Timers: timers, Logger: logger},
		RetryInterval: time.Second,
		MaxRetryTime:  opts.MaxRetryTime,
	})
	if err != nil {
		timers.Stop()
		return nil, err
	}

	res, err := auth.Initiate(ctx, sock, auth.Params{
		Name:      name,
		Password:  opts.Password,
		TLSLevel:  opts.TLSLevel,
		TLSConfig: opts.TLSConfig,
		Kind:      auth.KindConsole,
		Timeout:   opts.Timeout,
		Legacy:    opts.Legacy,
		Logger:    logger,
	})
	if err != nil {
		sock.Close()
		timers.Stop()
		return nil, err
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Client{sock: sock, timers: timers, greeting: res.Greeting, timeout: timeout}, nil
}

// Greeting returns the daemon's acknowledgement line.
func (c *Client) Greeting() string { return c.greeting }

// Command sends line and copies the reply to w up to the end-of-data
// signal. io.EOF means the daemon closed the session. A daemon that does
// not finish replying within the command timeout yields a
// *errors.TimeoutError and leaves the connection unusable.
func (c *Client) Command(line string, w io.Writer) error {
	return bsock.WithDeadline(context.Background(), c.sock, c.timeout, func(context.Context) error {
		return c.exchange(line, w)
	})
}

func (c *Client) exchange(line string, w io.Writer) error {
	if err := c.sock.Fsend("%s", line); err != nil {
		return err
	}
	for {
		n, err := c.sock.Recv()
		if err != nil {
			return err
		}
		switch {
		case n >= 0:
			if _, err := w.Write(c.sock.MsgBytes()); err != nil {
				return err
			}
		case n == bsock.SignalEOD:
			return nil
		case n == bsock.SignalHeartbeat:
			if err := c.sock.Signal(bsock.SignalHBResponse); err != nil {
				return err
			}
		case n == bsock.SignalTerminate:
			return io.EOF
		}
	}
}

// Close says goodbye and releases the connection.
func (c *Client) Close() error {
	defer c.timers.Stop()
	if !c.sock.IsClosed() && !c.sock.IsError() {
		// The daemon may already have hung up.
		_ = bsock.WithDeadline(context.Background(), c.sock, c.timeout, func(context.Context) error {
			return c.sock.Signal(bsock.SignalTerminate)
		})
	}
	return c.sock.Close()
}
