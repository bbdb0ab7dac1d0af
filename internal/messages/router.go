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

// Package messages routes daemon and job messages to their configured
// destinations.
//
// Each job carries a Chain copied from a messages resource; messages for
// a job without one, or logged outside any job, use the daemon chain.
// A message reaches every destination whose type mask contains its type.
// Delivery failures are counted and logged but never returned to the
// sender.
package messages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

const (
	// DefaultMailTimeout bounds one run of a mail or operator command.
	DefaultMailTimeout = 2 * time.Minute

	// DefaultSendTimeout bounds one message sent over a job socket.
	DefaultSendTimeout = 2 * time.Minute
)

var errDestinationClosed = errors.New("destination is closed")

// SyslogWriter is the part of *syslog.Writer the router uses.
type SyslogWriter interface {
	Err(m string) error
}

// Config configures a Router.
type Config struct {
	// DaemonName prefixes formatted messages and names spool files.
	DaemonName string

	// WorkingDir holds the console file and mail spool files.
	WorkingDir string

	// Chain is the daemon chain. Defaults to everything but debug on
	// stdout.
	Chain *Chain

	// Exit is called after an abort or error-termination message.
	// Defaults to os.Exit.
	Exit func(code int)

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer

	// Syslog defaults to the local daemon facility, dialled on first use.
	Syslog SyslogWriter

	// MailTimeout defaults to DefaultMailTimeout.
	MailTimeout time.Duration

	// SendTimeout is the watchdog deadline for director and console
	// socket sends. Defaults to DefaultSendTimeout.
	SendTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Router delivers messages.
type Router struct {
	name        string
	wd          string
	exit        func(int)
	mailTimeout time.Duration
	sendTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	console     *ConsoleLog

	stdMu  sync.Mutex
	stdout io.Writer
	stderr io.Writer

	syslogMu sync.Mutex
	syslog   SyslogWriter

	chainMu sync.RWMutex
	chain   *Chain
}

// New creates a router.
func New(cfg Config) *Router {
	r := &Router{
		name:        cfg.DaemonName,
		wd:          cfg.WorkingDir,
		exit:        cfg.Exit,
		mailTimeout: cfg.MailTimeout,
		sendTimeout: cfg.SendTimeout,
		now:         cfg.Now,
		logger:      log.WithComponent(log.OrDefault(cfg.Logger), "messages"),
		stdout:      cfg.Stdout,
		stderr:      cfg.Stderr,
		syslog:      cfg.Syslog,
	}
	if r.name == "" {
		r.name = "bacula"
	}
	if r.wd == "" {
		r.wd = os.TempDir()
	}
	if r.exit == nil {
		r.exit = os.Exit
	}
	if r.mailTimeout <= 0 {
		r.mailTimeout = DefaultMailTimeout
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = DefaultSendTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.stdout == nil {
		r.stdout = os.Stdout
	}
	if r.stderr == nil {
		r.stderr = os.Stderr
	}
	r.console = NewConsoleLog(filepath.Join(r.wd, r.name+".conmsg"))

	chain := cfg.Chain
	if chain == nil {
		chain = NewChain("", "")
		_ = chain.AddMask(KindStdout, AllTypes.Without(TypeDebug), "", "")
	}
	chain.router = r
	r.chain = chain
	return r
}

// Name returns the daemon name.
func (r *Router) Name() string { return r.name }

// Console returns the shared console file.
func (r *Router) Console() *ConsoleLog { return r.console }

// Chain returns the daemon chain.
func (r *Router) Chain() *Chain {
	r.chainMu.RLock()
	defer r.chainMu.RUnlock()
	return r.chain
}

// SetChain replaces the daemon chain, as on a configuration reload. The
// previous chain is closed, which sends any mail it buffered.
func (r *Router) SetChain(c *Chain) error {
	c.mu.Lock()
	c.router = r
	c.job = nil
	c.mu.Unlock()

	r.chainMu.Lock()
	old := r.chain
	r.chain = c
	r.chainMu.Unlock()

	if old == nil || old == c {
		return nil
	}
	return old.Close()
}

// AttachJob gives j its own copy of template, or of the daemon chain if
// template is nil. The copy is closed when the job is destroyed.
func (r *Router) AttachJob(j *jcr.Job, template *Chain) *Chain {
	if template == nil {
		template = r.Chain()
	}
	c := template.Clone()
	c.router = r
	c.job = j
	j.SetMessages(c)
	return c
}

// chainFor returns the job's open chain, or the daemon chain.
func (r *Router) chainFor(j *jcr.Job) *Chain {
	if j != nil {
		if c, ok := j.Messages().(*Chain); ok && c != nil && !c.IsClosed() {
			return c
		}
	}
	return r.Chain()
}

// Dispatch delivers an already formatted message. Abort and
// error-termination messages are also written to stdout unconditionally.
func (r *Router) Dispatch(j *jcr.Job, t Type, level int, text string) {
	r.dispatch(j, t, level, text, 0)
}

// dispatch skips destinations of kind skip, which keeps a failing
// operator command from reporting its failure to itself.
func (r *Router) dispatch(j *jcr.Job, t Type, level int, text string, skip Kind) {
	if t == TypeAbort || t == TypeErrorTerm {
		r.writeStd(r.stdout, text)
	}
	messagesDispatched.WithLabelValues(t.String()).Inc()

	c := r.chainFor(j)
	dests, ok := c.snapshot(t)
	if !ok {
		// Closed under us; late messages go to the daemon.
		c = r.Chain()
		dests, _ = c.snapshot(t)
	}

	now := r.now()
	for _, d := range dests {
		if d.Kind == skip {
			continue
		}
		if err := r.deliver(c, j, d, t, level, now, text); err != nil {
			dispatchFailures.WithLabelValues(d.Kind.String()).Inc()
			r.logger.Warn("message destination failed",
				"destination", d.String(),
				"type", t.String(),
				log.Error(err))
		}
	}
}

func (r *Router) deliver(c *Chain, j *jcr.Job, d *Destination, t Type, level int, now time.Time, text string) error {
	if d.Kind == KindOperator {
		return r.deliverOperator(c, j, d, text)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.Kind {
	case KindConsole:
		return r.console.Append(now, text)
	case KindSyslog:
		return r.writeSyslog(text)
	case KindStdout:
		if t != TypeAbort && t != TypeErrorTerm {
			r.writeStd(r.stdout, text)
		}
	case KindStderr:
		r.writeStd(r.stderr, text)
	case KindDirector:
		if j == nil {
			return nil
		}
		s := j.DirSocket()
		if s == nil || s.IsError() {
			return nil
		}
		return r.send(s, fmt.Sprintf("Jmsg Job=%s type=%d level=%d %s", j.Job(), int(t), level, text))
	case KindFile, KindAppend:
		return d.writeFile(text)
	case KindMail, KindMailOnError:
		return d.spool(r, j, text)
	}
	return nil
}

func (r *Router) deliverOperator(c *Chain, j *jcr.Job, d *Destination, text string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errDestinationClosed
	}

	argv, err := r.sendOperator(c, j, d, text)
	if err == nil {
		mailsSent.WithLabelValues("ok").Inc()
		return nil
	}
	mailsSent.WithLabelValues("error").Inc()
	if argv != nil {
		r.report(j, TypeError, fmt.Sprintf("Operator mail program terminated in error.\nCMD=%s\nERR=%v\n",
			shellquote.Join(argv...), err), KindOperator)
	}
	return &bacerrors.ResourceError{Kind: d.Kind.String(), Target: d.Target, Cause: err}
}

// send writes one packet to s under the send deadline. A peer that
// stops reading gets its socket flagged instead of holding the
// destination forever.
func (r *Router) send(s *bsock.Socket, text string) error {
	return bsock.Bounded(context.Background(), s, r.sendTimeout, func(context.Context) error {
		return s.Send([]byte(text))
	})
}

func (r *Router) writeStd(w io.Writer, text string) {
	r.stdMu.Lock()
	defer r.stdMu.Unlock()
	_, _ = io.WriteString(w, text)
}

func (r *Router) writeSyslog(text string) error {
	r.syslogMu.Lock()
	defer r.syslogMu.Unlock()
	if r.syslog == nil {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_ERR, r.name)
		if err != nil {
			return &bacerrors.ResourceError{Kind: KindSyslog.String(), Target: "local", Cause: err}
		}
		r.syslog = w
	}
	return r.syslog.Err(text)
}

// writeFile appends text to a file or append destination. d.mu is held.
func (d *Destination) writeFile(text string) error {
	if d.closed {
		return errDestinationClosed
	}
	if d.file == nil {
		flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if d.Kind == KindAppend {
			flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		f, err := os.OpenFile(d.Target, flag, 0o640)
		if err != nil {
			return &bacerrors.ResourceError{Kind: d.Kind.String(), Target: d.Target, Cause: err}
		}
		d.file = f
	}
	if _, err := io.WriteString(d.file, text); err != nil {
		return &bacerrors.ResourceError{Kind: d.Kind.String(), Target: d.Target, Cause: err}
	}
	return nil
}

// closeFile closes an open file destination. d.mu is held.
func (d *Destination) closeFile() error {
	d.closed = true
	if d.file == nil || d.mailPath != "" {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// prefix formats the daemon and job header for t.
func (r *Router) prefix(j *jcr.Job, t Type) string {
	head := r.name + ": "
	if j != nil && j.Job() != "" {
		head += j.Job() + " "
	}
	switch t {
	case TypeAbort:
		return r.name + " ABORTING due to ERROR\n"
	case TypeErrorTerm:
		return r.name + " ERROR TERMINATION\n"
	case TypeFatal:
		return head + "Fatal error: "
	case TypeError:
		return head + "Error: "
	case TypeWarning:
		return head + "Warning: "
	case TypeSecurity:
		return head + "Security violation: "
	}
	return r.name + ": "
}

// Jmsg formats and dispatches a message for j, or for the daemon if j is
// nil. A fatal message latches the job's status to fatal error and an
// error message counts against the job. Abort and error-termination
// messages always go out and then call the exit hook.
//
// A console session (JobId 0 with a director socket) gets the text
// directly over its socket instead.
func (r *Router) Jmsg(j *jcr.Job, t Type, level int, format string, args ...any) {
	r.jmsg(j, t, level, fmt.Sprintf(format, args...), 0)
}

func (r *Router) jmsg(j *jcr.Job, t Type, level int, text string, skip Kind) {
	if j != nil && j.ID() == 0 {
		if s := j.DirSocket(); s != nil {
			if err := r.send(s, text); err != nil {
				r.logger.Debug("console message not delivered", log.Error(err))
			}
			return
		}
	}

	if j != nil {
		switch t {
		case TypeFatal:
			j.SetStatus(jcr.StatusFatalError)
		case TypeError:
			j.IncErrors()
		}
	}

	terminal := t == TypeAbort || t == TypeErrorTerm
	if terminal || r.chainFor(j).SendMask().Has(t) {
		r.dispatch(j, t, level, r.prefix(j, t)+text, skip)
	}
	if terminal {
		r.logger.Error("daemon terminating", "type", t.String(), "message", strings.TrimSpace(text))
		r.exit(1)
	}
}

// report sends a delivery failure back through the router.
func (r *Router) report(j *jcr.Job, t Type, text string, skip Kind) {
	r.jmsg(j, t, 0, text, skip)
}

// Qmsg queues a message on j for delivery by DequeueMessages. Without a
// job the message is dispatched at once.
func (r *Router) Qmsg(j *jcr.Job, t Type, level int, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if j == nil {
		r.jmsg(nil, t, level, text, 0)
		return
	}
	j.Enqueue(jcr.QueuedMessage{Type: int(t), Level: level, Time: r.now(), Text: text})
}

// DequeueMessages delivers j's queued messages in order. A call made
// while the same job is already dequeuing returns at once.
func (r *Router) DequeueMessages(j *jcr.Job) {
	msgs, done, ok := j.DrainQueue()
	if !ok {
		return
	}
	defer done()
	for _, m := range msgs {
		r.jmsg(j, Type(m.Type), m.Level, m.Text, 0)
	}
}

// CloseJob closes j's chain. Later calls do nothing.
func (r *Router) CloseJob(j *jcr.Job) error {
	if m := j.Messages(); m != nil {
		return m.Close()
	}
	return nil
}

// Close closes the daemon chain.
func (r *Router) Close() error {
	return r.Chain().Close()
}

type pendingReport struct {
	t    Type
	text string
}

// closeChain releases the destinations of a closed chain and sends any
// buffered mail. Failures of a job's mail are reported into that job.
func (r *Router) closeChain(c *Chain, j *jcr.Job, dests []*Destination) error {
	var (
		errs    []error
		reports []pendingReport
	)
	for _, d := range dests {
		d.mu.Lock()
		switch d.Kind {
		case KindFile, KindAppend:
			if err := d.closeFile(); err != nil {
				errs = append(errs, &bacerrors.ResourceError{Kind: d.Kind.String(), Target: d.Target, Cause: err})
			}
		case KindMail, KindMailOnError:
			d.closed = true
			if d.file == nil {
				break
			}
			if d.Kind == KindMailOnError && j != nil && j.Status() == jcr.StatusTerminated {
				d.removeSpool()
				break
			}
			argv, out, err := r.sendSpool(c, j, d)
			d.removeSpool()
			if j != nil {
				for _, line := range strings.SplitAfter(out, "\n") {
					if line != "" {
						reports = append(reports, pendingReport{TypeInfo, "Mail prog: " + line})
					}
				}
			}
			if err != nil {
				mailsSent.WithLabelValues("error").Inc()
				errs = append(errs, &bacerrors.ResourceError{Kind: d.Kind.String(), Target: d.Target, Cause: err})
				if j != nil {
					reports = append(reports, pendingReport{TypeError, fmt.Sprintf(
						"Mail program terminated in error. stat=%d\nCMD=%s\nERR=%v\n",
						exitStatus(err), shellquote.Join(argv...), err)})
				}
				r.logger.Error("mail program failed", "recipients", d.Target, log.Error(err))
			} else {
				mailsSent.WithLabelValues("ok").Inc()
			}
		default:
			d.closed = true
		}
		d.mu.Unlock()
	}

	for _, rep := range reports {
		r.report(j, rep.t, rep.text, 0)
	}
	return errors.Join(errs...)
}
