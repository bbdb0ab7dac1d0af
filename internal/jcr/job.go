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

package jcr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/bsock"
)

// MaxNameLength bounds the unique job name, including the terminator
// used in persisted history records.
const MaxNameLength = 128

// MessageChain is the per-job destination chain. The registry only needs
// to close it; the message router owns the concrete type.
type MessageChain interface {
	Close() error
}

// QueuedMessage is a message deferred with Qmsg until the job's owner can
// deliver it.
type QueuedMessage struct {
	Type  int
	Level int
	Time  time.Time
	Text  string
}

// Spec describes a job to create.
type Spec struct {
	ID        uint32
	Name      string
	Type      Type
	Level     Level
	Client    string
	SchedTime time.Time
}

// Job is the control record for one running job.
type Job struct {
	// immutable after NewJob
	id        uint32
	name      string
	job       string
	jobType   Type
	level     Level
	client    string
	schedTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu             sync.Mutex
	status         Status
	startTime      time.Time
	endTime        time.Time
	jobFiles       uint32
	jobBytes       uint64
	errors         uint32
	volSessionID   uint32
	volSessionTime uint32
	dirSock        *bsock.Socket
	storeSock      *bsock.Socket
	fileSock       *bsock.Socket
	msgs           MessageChain
	queue          []QueuedMessage
	dequeuing      bool
	onEnd          []func(*Job)

	// guarded by Registry.mu
	useCount   int
	linked     bool
	destroyed  bool
	daemonFree func(*Job)
}

var jobSeq struct {
	sync.Mutex
	last string
	n    int
}

// UniqueName builds the Job string "<name>.<YYYY-MM-DD_HH.MM.SS>_<seq>".
// The sequence restarts whenever the second changes.
func UniqueName(name string, at time.Time) string {
	stamp := at.Format("2006-01-02_15.04.05")

	jobSeq.Lock()
	if jobSeq.last != stamp {
		jobSeq.last = stamp
		jobSeq.n = 0
	}
	jobSeq.n++
	seq := jobSeq.n
	jobSeq.Unlock()

	s := fmt.Sprintf("%s.%s_%02d", name, stamp, seq)
	if len(s) > MaxNameLength-1 {
		s = s[:MaxNameLength-1]
	}
	return s
}

// NewJob creates a job with a use count of one and status Created. The
// daemonFree hook, if set, runs during destruction before common cleanup.
func NewJob(parent context.Context, spec Spec, daemonFree func(*Job)) *Job {
	if parent == nil {
		parent = context.Background()
	}
	now := time.Now()
	if spec.SchedTime.IsZero() {
		spec.SchedTime = now
	}
	if spec.Level == 0 {
		spec.Level = LevelNone
	}
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		id:         spec.ID,
		name:       spec.Name,
		job:        UniqueName(spec.Name, now),
		jobType:    spec.Type,
		level:      spec.Level,
		client:     spec.Client,
		schedTime:  spec.SchedTime,
		ctx:        ctx,
		cancel:     cancel,
		status:     StatusCreated,
		useCount:   1,
		daemonFree: daemonFree,
	}
}

func (j *Job) ID() uint32           { return j.id }
func (j *Job) Name() string         { return j.name }
func (j *Job) Job() string          { return j.job }
func (j *Job) Type() Type           { return j.jobType }
func (j *Job) Level() Level         { return j.level }
func (j *Job) Client() string       { return j.client }
func (j *Job) SchedTime() time.Time { return j.schedTime }

// Context is cancelled when the job is cancelled or destroyed.
func (j *Job) Context() context.Context { return j.ctx }

// Status returns the current status code.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStatus changes the status unless the job already holds an error
// status of equal or higher priority. It reports whether the change was
// applied.
func (j *Job) SetStatus(s Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setStatusLocked(s)
}

func (j *Job) setStatusLocked(s Status) bool {
	cur := j.status.priority()
	if cur > 0 && s.priority() <= cur {
		return false
	}
	j.status = s
	return true
}

// IsCanceled reports whether the job should stop.
func (j *Job) IsCanceled() bool {
	return j.Status().IsCanceled()
}

// Start marks the job running and records its start time.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.startTime = time.Now()
	j.setStatusLocked(StatusRunning)
}

// Cancel latches the status to Canceled, cancels the job context and
// aborts every attached socket so blocked I/O returns.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.setStatusLocked(StatusCanceled)
	socks := []*bsock.Socket{j.dirSock, j.storeSock, j.fileSock}
	j.mu.Unlock()

	j.cancel()
	for _, s := range socks {
		if s != nil {
			s.Abort()
		}
	}
}

// Times returns the start and end times. Either may be zero.
func (j *Job) Times() (start, end time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startTime, j.endTime
}

// AddFiles and AddBytes accumulate transfer counters.
func (j *Job) AddFiles(n uint32) {
	j.mu.Lock()
	j.jobFiles += n
	j.mu.Unlock()
}

func (j *Job) AddBytes(n uint64) {
	j.mu.Lock()
	j.jobBytes += n
	j.mu.Unlock()
}

// Counters returns the file, byte and error counters.
func (j *Job) Counters() (files uint32, bytes uint64, errs uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jobFiles, j.jobBytes, j.errors
}

// IncErrors bumps the non-fatal error counter.
func (j *Job) IncErrors() {
	j.mu.Lock()
	j.errors++
	j.mu.Unlock()
}

// Errors returns the non-fatal error count.
func (j *Job) Errors() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errors
}

// SetVolSession records the storage session identifiers.
func (j *Job) SetVolSession(id, t uint32) {
	j.mu.Lock()
	j.volSessionID, j.volSessionTime = id, t
	j.mu.Unlock()
}

// SetDirSocket attaches the director connection.
func (j *Job) SetDirSocket(s *bsock.Socket) {
	j.mu.Lock()
	j.dirSock = s
	j.mu.Unlock()
}

// DirSocket returns the director connection, or nil.
func (j *Job) DirSocket() *bsock.Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dirSock
}

func (j *Job) SetStoreSocket(s *bsock.Socket) {
	j.mu.Lock()
	j.storeSock = s
	j.mu.Unlock()
}

func (j *Job) StoreSocket() *bsock.Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.storeSock
}

func (j *Job) SetFileSocket(s *bsock.Socket) {
	j.mu.Lock()
	j.fileSock = s
	j.mu.Unlock()
}

func (j *Job) FileSocket() *bsock.Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fileSock
}

// SetMessages attaches the job's destination chain. It is closed when the
// job is destroyed.
func (j *Job) SetMessages(m MessageChain) {
	j.mu.Lock()
	j.msgs = m
	j.mu.Unlock()
}

// Messages returns the attached destination chain, or nil.
func (j *Job) Messages() MessageChain {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.msgs
}

// PushOnEnd registers fn to run when the job is destroyed. Callbacks run
// in the order they were pushed.
func (j *Job) PushOnEnd(fn func(*Job)) {
	j.mu.Lock()
	j.onEnd = append(j.onEnd, fn)
	j.mu.Unlock()
}

// Enqueue defers a message until DrainQueue is called by the job owner.
func (j *Job) Enqueue(m QueuedMessage) {
	j.mu.Lock()
	j.queue = append(j.queue, m)
	j.mu.Unlock()
}

// DrainQueue takes the queued messages. ok is false if another drain is
// already in progress for this job, which stops a delivery that queues a
// message from recursing; the caller must call the returned done func
// when delivery is finished.
func (j *Job) DrainQueue() (msgs []QueuedMessage, done func(), ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.dequeuing {
		return nil, func() {}, false
	}
	j.dequeuing = true
	msgs, j.queue = j.queue, nil
	return msgs, func() {
		j.mu.Lock()
		j.dequeuing = false
		j.mu.Unlock()
	}, true
}

// Info is a point-in-time copy of a job for status displays.
type Info struct {
	ID        uint32
	Name      string
	Job       string
	Type      Type
	Level     Level
	Status    Status
	Client    string
	SchedTime time.Time
	StartTime time.Time
	JobFiles  uint32
	JobBytes  uint64
	Errors    uint32
}

// Info snapshots the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ID:        j.id,
		Name:      j.name,
		Job:       j.job,
		Type:      j.jobType,
		Level:     j.level,
		Status:    j.status,
		Client:    j.client,
		SchedTime: j.schedTime,
		StartTime: j.startTime,
		JobFiles:  j.jobFiles,
		JobBytes:  j.jobBytes,
		Errors:    j.errors,
	}
}

func (j *Job) summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Summary{
		Type:           j.jobType,
		Level:          j.level,
		Status:         j.status,
		JobID:          j.id,
		Job:            j.job,
		VolSessionID:   j.volSessionID,
		VolSessionTime: j.volSessionTime,
		JobFiles:       j.jobFiles,
		JobBytes:       j.jobBytes,
		StartTime:      j.startTime,
		EndTime:        j.endTime,
	}
}

func (j *Job) takeOnEnd() []func(*Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fns := j.onEnd
	j.onEnd = nil
	return fns
}
