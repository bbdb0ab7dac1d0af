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
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/messages"
	"github.com/rkorzeniewski/bacula-sub003/internal/tracing"
	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

var tracer = otel.Tracer("github.com/rkorzeniewski/bacula-sub003/internal/daemon")

// ErrShuttingDown is returned by RunJob once Shutdown has begun.
var ErrShuttingDown = errors.New("daemon is shutting down")

// JobSpec describes a job submitted to RunJob.
type JobSpec struct {
	jcr.Spec

	// Messages names the message resource the job's chain is copied
	// from. Empty uses the daemon chain.
	Messages string

	// MaxRunTime cancels the job when it runs longer. Zero disables it.
	MaxRunTime time.Duration
}

// WorkFunc does the job's work. ctx is done when the job is canceled.
type WorkFunc func(ctx context.Context, j *jcr.Job) error

// RunJob registers a job, runs work under it and releases it. A JobId of
// zero is replaced by the next free one. The job waits for one of the
// daemon's concurrent job slots before it starts.
//
// The final status follows work's result: nil terminates normally, a
// timeout or cancellation leaves the job canceled, and any other error
// terminates it in error. A fatal message sent during the job keeps
// precedence over all of these. The returned error is work's.
func (d *Daemon) RunJob(ctx context.Context, spec JobSpec, work WorkFunc) (jcr.Status, error) {
	d.runMu.RLock()
	if d.closing {
		d.runMu.RUnlock()
		return jcr.StatusCanceled, ErrShuttingDown
	}
	d.running.Add(1)
	d.runMu.RUnlock()
	defer d.running.Done()

	if spec.ID == 0 && spec.Type != jcr.TypeConsole {
		spec.ID = d.nextJobID.Add(1)
	}

	j, err := d.registry.NewJob(ctx, spec.Spec, nil)
	if err != nil {
		return jcr.StatusFatalError, err
	}
	logger := log.WithJob(d.logger, j.ID(), j.Job())
	defer func() {
		if err := d.registry.Release(j); err != nil {
			logger.Error("job release failed", log.Error(err))
		}
	}()

	var template *messages.Chain
	if spec.Messages != "" {
		if template, err = d.Config().BuildChain(spec.Messages); err != nil {
			j.SetStatus(jcr.StatusFatalError)
			return jcr.StatusFatalError, fmt.Errorf("job messages: %w", err)
		}
	}
	d.router.AttachJob(j, template)

	j.SetStatus(jcr.StatusWaitMaxJobs)
	select {
	case d.jobSlots <- struct{}{}:
	case <-j.Context().Done():
		j.SetStatus(jcr.StatusCanceled)
		return j.Status(), j.Context().Err()
	}
	jobSlotsInUse.Inc()
	defer func() {
		<-d.jobSlots
		jobSlotsInUse.Dec()
	}()

	jobCtx, span := tracer.Start(j.Context(), "job", trace.WithAttributes(
		attribute.Int64(log.JobIDKey, int64(j.ID())),
		attribute.String(log.JobKey, j.Job()),
		attribute.String("type", j.Type().String()),
		attribute.String("level", j.Level().String()),
	))
	defer span.End()

	var timedOut atomic.Bool
	if spec.MaxRunTime > 0 {
		e, err := d.timers.Arm(spec.MaxRunTime, func(*watchdog.Entry) {
			timedOut.Store(true)
			j.Cancel()
		}, j, true)
		if err != nil {
			return jcr.StatusFatalError, err
		}
		defer d.timers.Disarm(e)
	}

	j.Start()
	d.router.Jmsg(j, messages.TypeInfo, 0, "Start %s JobId %d, Job=%s\n", j.Type(), j.ID(), j.Job())
	logger.Info("job started", "type", j.Type().String(), "level", j.Level().String())

	workErr := runWork(jobCtx, j, work)
	if timedOut.Load() {
		workErr = &bacerrors.TimeoutError{Operation: "job " + j.Job(), Duration: spec.MaxRunTime, Cause: workErr}
	}

	var timeout *bacerrors.TimeoutError
	switch {
	case workErr == nil:
		j.SetStatus(jcr.StatusTerminated)
	case errors.As(workErr, &timeout):
		d.router.Jmsg(j, messages.TypeError, 0, "Job canceled after watchdog timeout: %v\n", workErr)
		j.SetStatus(jcr.StatusCanceled)
	case errors.Is(workErr, context.Canceled) || j.IsCanceled():
		j.SetStatus(jcr.StatusCanceled)
	default:
		d.router.Jmsg(j, messages.TypeError, 0, "%v\n", workErr)
		j.SetStatus(jcr.StatusErrorTerminated)
	}

	d.router.DequeueMessages(j)

	status := j.Status()
	files, bytes, errs := j.Counters()
	d.router.Jmsg(j, messages.TypeTerm, 0,
		"JobId %d Job %s %s. Files=%d Bytes=%d Errors=%d\n",
		j.ID(), j.Job(), status.Describe(), files, bytes, errs)

	span.SetAttributes(attribute.String("status", string(rune(status))))
	if workErr != nil || status.IsErrorStatus() {
		span.SetAttributes(tracing.ErrorKey.Bool(true))
		span.SetStatus(codes.Error, status.Describe())
	}
	jobsFinished.WithLabelValues(string(rune(status))).Inc()
	attrs := []any{"status", status.String(), "files", files, "bytes", bytes, "errors", errs}
	if workErr != nil {
		attrs = append(attrs, log.Error(workErr))
	}
	logger.Info("job finished", attrs...)

	return status, workErr
}

func runWork(ctx context.Context, j *jcr.Job, work WorkFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			j.SetStatus(jcr.StatusFatalError)
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return work(ctx, j)
}
