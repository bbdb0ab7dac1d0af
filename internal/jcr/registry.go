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

// Package jcr tracks the jobs a daemon is running.
//
// A Registry owns the set of live Jobs. Each Job carries a use count that
// starts at one; lookups and Acquire add a reference and Release drops one.
// The release that reaches zero unlinks the job and destroys it: on-end
// callbacks run in push order, then the daemon free hook, then common
// cleanup (history, message chain, director socket).
//
// A single RWMutex guards both the job list and every use count. The
// watchdog takes the read side of that lock before its own, so code that
// runs inside a watchdog callback must use the *Locked accessors.
package jcr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

var (
	// ErrDuplicateJob is returned by Register for a JobId already linked.
	ErrDuplicateJob = errors.New("job id already registered")

	// ErrJobDestroyed is returned when a destroyed job is registered or
	// acquired.
	ErrJobDestroyed = errors.New("job already destroyed")
)

// Config configures a Registry.
type Config struct {
	// HistoryCapacity sizes the terminated-job ring.
	// Default: DefaultHistoryCapacity.
	HistoryCapacity int

	// History replaces the ring, e.g. one restored from a state file.
	History *History

	// OnHistory receives each summary appended to the ring.
	OnHistory func(Summary)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Registry is the set of live jobs.
type Registry struct {
	mu   sync.RWMutex
	jobs []*Job

	history   *History
	onHistory func(Summary)
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	h := cfg.History
	if h == nil {
		h = NewHistory(cfg.HistoryCapacity)
	}
	return &Registry{
		history:   h,
		onHistory: cfg.OnHistory,
		logger:    log.WithComponent(log.OrDefault(cfg.Logger), "jcr"),
	}
}

// ReadLocker returns the read side of the registry lock, for the watchdog.
func (r *Registry) ReadLocker() sync.Locker {
	return r.mu.RLocker()
}

// History returns the terminated-job ring.
func (r *Registry) History() *History {
	return r.history
}

// NewJob creates a job and links it. The caller owns the initial
// reference and must Release it.
func (r *Registry) NewJob(ctx context.Context, spec Spec, daemonFree func(*Job)) (*Job, error) {
	j := NewJob(ctx, spec, daemonFree)
	if err := r.Register(j); err != nil {
		j.cancel()
		return nil, err
	}
	return j, nil
}

// Register links j. Jobs with JobId 0 (consoles, internal work) may
// coexist; any other JobId must be unique.
func (r *Registry) Register(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.destroyed {
		return ErrJobDestroyed
	}
	if j.linked {
		return nil
	}
	if j.id != 0 {
		for _, x := range r.jobs {
			if x.id == j.id {
				return fmt.Errorf("%w: %d", ErrDuplicateJob, j.id)
			}
		}
	}
	j.linked = true
	r.jobs = append(r.jobs, j)
	jobsRegistered.Inc()

	r.logger.Debug("job registered",
		log.JobIDKey, j.id,
		log.JobKey, j.job,
		"type", j.jobType.String())
	return nil
}

// LookupByID returns the job with the given JobId and acquires it, or nil.
func (r *Registry) LookupByID(id uint32) *Job {
	return r.Lookup(func(j *Job) bool { return j.id == id })
}

// LookupByName matches the unique Job string exactly and acquires it.
func (r *Registry) LookupByName(job string) *Job {
	return r.Lookup(func(j *Job) bool { return j.job == job })
}

// LookupByPartialName matches the start of the unique Job string, so the
// bare resource name finds the running instance. The job is acquired.
func (r *Registry) LookupByPartialName(prefix string) *Job {
	if prefix == "" {
		return nil
	}
	return r.Lookup(func(j *Job) bool { return strings.HasPrefix(j.job, prefix) })
}

// Lookup returns the first job for which match is true and acquires it,
// or nil. match runs under the registry lock and must not call back into
// the registry.
func (r *Registry) Lookup(match func(*Job) bool) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if match(j) {
			j.useCount++
			return j
		}
	}
	return nil
}

// LookupByIDLocked finds a job without acquiring it. The caller must hold
// the registry lock, as watchdog callbacks do.
func (r *Registry) LookupByIDLocked(id uint32) *Job {
	for _, j := range r.jobs {
		if j.id == id {
			return j
		}
	}
	return nil
}

// ForEachLocked visits every linked job without acquiring it. The caller
// must hold the registry lock. Returning false stops the walk.
func (r *Registry) ForEachLocked(fn func(*Job) bool) {
	for _, j := range r.jobs {
		if !fn(j) {
			return
		}
	}
}

// ForEach visits every linked job. Each job is acquired for the duration
// of the visit and the lock is not held while fn runs, so fn may call any
// registry method. Returning false stops the walk.
func (r *Registry) ForEach(fn func(*Job) bool) {
	r.mu.Lock()
	snapshot := make([]*Job, len(r.jobs))
	copy(snapshot, r.jobs)
	for _, j := range snapshot {
		j.useCount++
	}
	r.mu.Unlock()

	stopped := false
	for _, j := range snapshot {
		if !stopped && !fn(j) {
			stopped = true
		}
		if err := r.Release(j); err != nil {
			r.logger.Error("release after visit failed", log.Error(err))
		}
	}
}

// Jobs returns a snapshot of every linked job.
func (r *Registry) Jobs() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Info())
	}
	return out
}

// Len returns the number of linked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// UseCount returns the job's current use count.
func (r *Registry) UseCount(j *Job) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return j.useCount
}

// Acquire adds a reference to j.
func (r *Registry) Acquire(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.destroyed {
		return ErrJobDestroyed
	}
	j.useCount++
	return nil
}

// Release drops a reference to j and destroys it when none remain.
// Releasing a job whose count is already zero is reported as an
// InvariantError; the count stays at zero and nothing is freed twice.
func (r *Registry) Release(j *Job) error {
	r.mu.Lock()
	if j.useCount <= 0 {
		j.useCount = 0
		r.mu.Unlock()

		invariantViolations.Inc()
		err := &bacerrors.InvariantError{
			Invariant: "job use count",
			Detail:    fmt.Sprintf("release of JobId %d (%s) with use count 0", j.id, j.job),
		}
		r.logger.Error("job released more often than acquired",
			log.JobIDKey, j.id,
			log.JobKey, j.job,
			"invariant", true)
		return err
	}
	j.useCount--
	if j.useCount > 0 {
		r.mu.Unlock()
		return nil
	}
	r.unlinkLocked(j)
	j.destroyed = true
	r.mu.Unlock()

	r.destroy(j)
	return nil
}

func (r *Registry) unlinkLocked(j *Job) {
	if !j.linked {
		return
	}
	for i, x := range r.jobs {
		if x == j {
			copy(r.jobs[i:], r.jobs[i+1:])
			r.jobs[len(r.jobs)-1] = nil
			r.jobs = r.jobs[:len(r.jobs)-1]
			break
		}
	}
	j.linked = false
	jobsRegistered.Dec()
}

func (r *Registry) destroy(j *Job) {
	logger := log.WithJob(r.logger, j.id, j.job)

	for _, fn := range j.takeOnEnd() {
		r.runHook(logger, "on-end callback", func() { fn(j) })
	}
	if j.daemonFree != nil {
		r.runHook(logger, "daemon free hook", func() { j.daemonFree(j) })
	}

	j.mu.Lock()
	if j.endTime.IsZero() {
		j.endTime = time.Now()
	}
	msgs, dir := j.msgs, j.dirSock
	j.msgs, j.dirSock = nil, nil
	status := j.status
	j.mu.Unlock()

	if j.jobType.KeepsHistory() {
		s := r.history.Append(j.summary())
		if r.onHistory != nil {
			r.runHook(logger, "history sink", func() { r.onHistory(s) })
		}
	}
	if msgs != nil {
		if err := msgs.Close(); err != nil {
			logger.Warn("closing job messages failed", log.Error(err))
		}
	}
	if dir != nil {
		if err := dir.Close(); err != nil {
			logger.Debug("closing director socket failed", log.Error(err))
		}
	}
	j.cancel()

	jobsDestroyed.WithLabelValues(string(rune(status))).Inc()
	logger.Debug("job destroyed", "status", status.String())
}

func (r *Registry) runHook(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job cleanup panicked", "hook", what, "panic", p)
		}
	}()
	fn()
}
