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

package messages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// JobCodes holds the values substituted into mail command templates.
type JobCodes struct {
	Client     string
	Daemon     string
	ExitStatus string
	JobID      uint32
	Job        string
	Level      string
	Name       string
	Recipients string
	Type       string
}

func codesFor(daemon string, j *jcr.Job, recipients string) JobCodes {
	c := JobCodes{Daemon: daemon, Recipients: recipients}
	if j == nil {
		return c
	}
	c.Client = j.Client()
	c.ExitStatus = j.Status().String()
	c.JobID = j.ID()
	c.Job = j.Job()
	c.Level = j.Level().String()
	c.Name = j.Name()
	c.Type = j.Type().String()
	return c
}

// Expand replaces the job codes in s:
//
//	%% a literal %     %c client      %d daemon name
//	%e exit status     %i JobId       %j unique Job name
//	%l level           %n job name    %r recipients
//	%t job type
//
// Unknown codes are copied through unchanged.
func (c JobCodes) Expand(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '%':
			b.WriteByte('%')
		case 'c':
			b.WriteString(c.Client)
		case 'd':
			b.WriteString(c.Daemon)
		case 'e':
			b.WriteString(c.ExitStatus)
		case 'i':
			b.WriteString(strconv.FormatUint(uint64(c.JobID), 10))
		case 'j':
			b.WriteString(c.Job)
		case 'l':
			b.WriteString(c.Level)
		case 'n':
			b.WriteString(c.Name)
		case 'r':
			b.WriteString(c.Recipients)
		case 't':
			b.WriteString(c.Type)
		default:
			b.WriteByte('%')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Command splits template into argv and expands the job codes in each
// word. A word that is exactly %r becomes one argument per recipient.
func (c JobCodes) Command(template string) ([]string, error) {
	words, err := shellquote.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parse mail command %q: %w", template, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty mail command")
	}
	argv := make([]string, 0, len(words))
	for _, w := range words {
		if w == "%r" {
			argv = append(argv, strings.Fields(c.Recipients)...)
			continue
		}
		argv = append(argv, c.Expand(w))
	}
	return argv, nil
}

func (r *Router) mailTemplate(c *Chain, d *Destination) string {
	switch {
	case d.MailCommand != "":
		return d.MailCommand
	case d.Kind == KindOperator && c.OperatorCommand != "":
		return c.OperatorCommand
	case d.Kind != KindOperator && c.MailCommand != "":
		return c.MailCommand
	}
	return DefaultMailCommand
}

// runMail feeds body to the mail command and returns its output.
func (r *Router) runMail(argv []string, body io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.mailTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = body
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), &bacerrors.TimeoutError{Operation: "mail command", Duration: r.mailTimeout, Cause: ctx.Err()}
	}
	return out.String(), err
}

// exitStatus extracts the exit code from a command error.
func exitStatus(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// spoolPath names the mail buffer for a destination.
func (r *Router) spoolPath(j *jcr.Job) string {
	job := r.name
	if j != nil {
		job = j.Job()
	}
	return filepath.Join(r.wd, fmt.Sprintf("%s.mail.%s.%s", r.name, job, uuid.NewString()))
}

// spool appends text to the destination's mail buffer. d.mu is held.
func (d *Destination) spool(r *Router, j *jcr.Job, text string) error {
	if d.closed {
		return errDestinationClosed
	}
	if d.file == nil {
		path := r.spoolPath(j)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return &bacerrors.ResourceError{Kind: d.Kind.String(), Target: path, Cause: err}
		}
		d.file = f
		d.mailPath = path
	}
	if len(text) > d.maxLen {
		d.maxLen = len(text)
	}
	if _, err := io.WriteString(d.file, text); err != nil {
		return &bacerrors.ResourceError{Kind: d.Kind.String(), Target: d.mailPath, Cause: err}
	}
	return nil
}

// removeSpool closes and deletes the mail buffer. d.mu is held.
func (d *Destination) removeSpool() {
	if d.file != nil && d.mailPath != "" {
		_ = d.file.Close()
		d.file = nil
	}
	if d.mailPath != "" {
		_ = os.Remove(d.mailPath)
		d.mailPath = ""
	}
}

// sendSpool pipes the buffered mail to the destination's command.
// d.mu is held.
func (r *Router) sendSpool(c *Chain, j *jcr.Job, d *Destination) (argv []string, output string, err error) {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return nil, "", err
	}
	argv, err = codesFor(r.name, j, d.Target).Command(r.mailTemplate(c, d))
	if err != nil {
		return nil, "", err
	}
	output, err = r.runMail(argv, d.file)
	return argv, output, err
}

// sendOperator runs the operator command once for text. argv is nil if
// the command template could not be parsed.
func (r *Router) sendOperator(c *Chain, j *jcr.Job, d *Destination, text string) ([]string, error) {
	argv, err := codesFor(r.name, j, d.Target).Command(r.mailTemplate(c, d))
	if err != nil {
		return nil, err
	}
	if _, err := r.runMail(argv, strings.NewReader(text)); err != nil {
		return argv, err
	}
	return argv, nil
}
