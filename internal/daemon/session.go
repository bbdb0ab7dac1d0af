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
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
)

// ErrJobNotFound is returned by Cancel when no job matches.
var ErrJobNotFound = errors.New("job not found")

// errQuit ends a session after the reply is sent.
var errQuit = errors.New("quit")

// ConsoleName is the job name given to every console session.
const ConsoleName = "*Console*"

type session struct {
	id   string
	peer string
	sock *bsock.Socket
	job  *jcr.Job
}

// serveSession authenticates conn and serves its commands until the peer
// quits, hangs up or the daemon shuts down.
func (d *Daemon) serveSession(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	logger := log.WithSession(d.logger, id, conn.RemoteAddr().String())
	sock := bsock.New(conn, bsock.Options{Who: "client", Timers: d.timers, Logger: logger})
	closeSocket := func() {
		if err := sock.Close(); err != nil {
			logger.Debug("socket close failed", log.Error(err))
		}
	}

	sessionsActive.Inc()
	defer sessionsActive.Dec()

	cfg := d.Config()
	res, err := auth.Accept(ctx, sock, auth.ListenerParams{
		Name:     cfg.Daemon.Name,
		Version:  d.opts.Version,
		Lookup:   d.lookupPeer(ctx),
		Throttle: d.throttle,
		Legacy:   !cfg.TLS.Compatible,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("session rejected", log.Error(err))
		closeSocket()
		return
	}
	logger = log.WithSession(d.logger, id, res.PeerName)

	j, err := d.registry.NewJob(ctx, jcr.Spec{
		Name:   ConsoleName,
		Type:   jcr.TypeConsole,
		Client: res.PeerName,
	}, nil)
	if err != nil {
		logger.Error("failed to register console job", log.Error(err))
		closeSocket()
		return
	}
	j.SetDirSocket(sock)
	j.Start()
	defer func() {
		j.SetStatus(jcr.StatusTerminated)
		if err := d.registry.Release(j); err != nil {
			logger.Error("console job release failed", log.Error(err))
		}
	}()

	logger.Info("session opened",
		"kind", res.PeerKind.String(),
		"tls", res.TLS)

	s := &session{id: id, peer: res.PeerName, sock: sock, job: j}
	if err := d.serveCommands(s); err != nil {
		logger.Debug("session ended", log.Error(err))
		return
	}
	logger.Info("session closed")
}

// lookupPeer resolves a peer's password through the secret stores each
// time it connects, so rotated secrets apply without a reload.
func (d *Daemon) lookupPeer(ctx context.Context) func(string) (auth.Peer, bool) {
	return func(name string) (auth.Peer, bool) {
		cfg := d.Config()
		pc, ok := cfg.Peer(name)
		if !ok {
			return auth.Peer{}, false
		}
		password, err := d.secrets.ResolvePassword(ctx, pc.Password)
		if err != nil {
			d.logger.Error("cannot resolve peer password", log.PeerKey, name, log.Error(err))
			return auth.Peer{}, false
		}
		d.masker.Add(password)
		kind, err := auth.ParseKind(pc.Kind)
		if err != nil {
			return auth.Peer{}, false
		}
		level := cfg.TLS.TLSLevel()
		if pc.TLSLevel != "" {
			if level, err = auth.ParseLevel(pc.TLSLevel); err != nil {
				return auth.Peer{}, false
			}
		}
		return auth.Peer{
			Password:  password,
			TLSLevel:  level,
			TLSConfig: d.tlsConf,
			Kind:      kind,
		}, true
	}
}

// serveCommands reads one command per packet. Each reply ends with an
// EOD signal and is sent under the daemon's send deadline; waiting for
// the next command is not bounded.
func (d *Daemon) serveCommands(s *session) error {
	for {
		n, err := s.sock.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n < 0 {
			switch n {
			case bsock.SignalTerminate:
				return nil
			case bsock.SignalHeartbeat:
				err := bsock.Bounded(s.job.Context(), s.sock, d.Config().Daemon.SendTimeout, func(context.Context) error {
					return s.sock.Signal(bsock.SignalHBResponse)
				})
				if err != nil {
					return err
				}
			}
			continue
		}

		line := strings.TrimSpace(s.sock.Msg())
		verb, args, _ := strings.Cut(line, " ")
		if verb == "" {
			continue
		}
		verb = strings.ToLower(verb)

		quit := false
		err = bsock.Bounded(s.job.Context(), s.sock, d.Config().Daemon.SendTimeout, func(ctx context.Context) error {
			cmdErr := d.commands.Handle(log.ConsoleCommand{Verb: verb, SessionID: s.id, Peer: s.peer}, func() error {
				consoleCommands.WithLabelValues(verb).Inc()
				return d.runCommand(ctx, s, verb, strings.TrimSpace(args))
			})
			switch {
			case errors.Is(cmdErr, errQuit):
				quit = true
			case cmdErr != nil:
				if err := s.sock.Fsend("2900 %s\n", cmdErr); err != nil {
					return err
				}
			}
			return s.sock.Signal(bsock.SignalEOD)
		})
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func (d *Daemon) runCommand(ctx context.Context, s *session, verb, args string) error {
	switch verb {
	case "status", ".status":
		var b strings.Builder
		if err := d.Status(ctx, &b); err != nil {
			return err
		}
		return s.sock.Send([]byte(b.String()))
	case "cancel":
		return d.cancelCommand(s, args)
	case "messages":
		return d.messagesCommand(s)
	case "version":
		return s.sock.Fsend("%s Version: %s (%s)\n", d.Config().Daemon.Name, d.opts.Version, d.opts.BuildDate)
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", verb)
}

func (d *Daemon) cancelCommand(s *session, args string) error {
	key, value, ok := strings.Cut(args, "=")
	if !ok || value == "" {
		return fmt.Errorf("usage: cancel jobid=<n> | job=<name>")
	}
	var (
		j   *jcr.Job
		err error
	)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "jobid":
		id, perr := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if perr != nil {
			return fmt.Errorf("invalid jobid %q", value)
		}
		j, err = d.cancelByID(uint32(id))
	case "job":
		j, err = d.cancelByName(strings.TrimSpace(value))
	default:
		return fmt.Errorf("usage: cancel jobid=<n> | job=<name>")
	}
	if err != nil {
		return err
	}
	return s.sock.Fsend("2001 Job \"%s\" marked to be canceled.\n", j.Job())
}

func (d *Daemon) messagesCommand(s *session) error {
	con := d.router.Console()
	if !con.Pending() {
		return s.sock.Fsend("You have no messages.\n")
	}
	var b strings.Builder
	if _, err := con.Drain(&b); err != nil {
		return err
	}
	return s.sock.Send([]byte(b.String()))
}

// Cancel cancels the job with the given JobId.
func (d *Daemon) Cancel(id uint32) error {
	_, err := d.cancelByID(id)
	return err
}

func (d *Daemon) cancelByID(id uint32) (*jcr.Job, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: jobid=0", ErrJobNotFound)
	}
	return d.cancelJob(d.registry.LookupByID(id), fmt.Sprintf("jobid=%d", id))
}

// cancelByName prefers an exact Job match. A prefix only matches jobs
// that can be canceled, so console sessions never shadow a running job.
func (d *Daemon) cancelByName(name string) (*jcr.Job, error) {
	j := d.registry.LookupByName(name)
	if j == nil {
		j = d.registry.Lookup(func(j *jcr.Job) bool {
			return j.Type() != jcr.TypeConsole && strings.HasPrefix(j.Job(), name)
		})
	}
	return d.cancelJob(j, "job="+name)
}

func (d *Daemon) cancelJob(j *jcr.Job, what string) (*jcr.Job, error) {
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, what)
	}
	defer func() {
		if err := d.registry.Release(j); err != nil {
			d.logger.Error("release after cancel failed", log.Error(err))
		}
	}()
	if j.Type() == jcr.TypeConsole {
		return nil, fmt.Errorf("%w: %s is a console session", ErrJobNotFound, what)
	}
	j.Cancel()
	d.logger.Info("job canceled", log.JobIDKey, j.ID(), log.JobKey, j.Job())
	return j, nil
}

// Status writes the status report to w. Terminated jobs come from the
// catalog when one is open, otherwise from the in-memory history.
func (d *Daemon) Status(ctx context.Context, w io.Writer) error {
	cfg := d.Config()
	r := StatusReport{
		Name:      cfg.Daemon.Name,
		Version:   d.opts.Version,
		BuildDate: d.opts.BuildDate,
		Started:   d.startedAt,
	}
	for _, info := range d.registry.Jobs() {
		if info.Type != jcr.TypeConsole {
			r.Running = append(r.Running, info)
		}
	}

	if d.catalog != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		recent, err := d.catalog.Recent(ctx, d.registry.History().Capacity())
		if err == nil {
			for i := len(recent) - 1; i >= 0; i-- {
				r.Terminated = append(r.Terminated, recent[i])
			}
			return WriteStatus(w, r)
		}
		d.logger.Warn("catalog unavailable, using memory history", log.Error(err))
	}
	r.Terminated = d.registry.History().Entries()
	return WriteStatus(w, r)
}
