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

// Package watchdog runs deadline callbacks from a single shared tick loop.
//
// Every armed Entry sits in exactly one of two queues. Active entries are
// scanned on each tick; an overdue entry runs its callback and is then
// either rescheduled to now+interval (recurring) or moved to the inactive
// queue (one-shot). Disarm removes an entry from both queues.
//
// The tick takes the configured outer lock (the job registry's lock)
// before the scheduler's own lock, and callbacks run while the outer lock
// is held. Callbacks must therefore not take the outer lock again.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
)

// DefaultTick is the polling period of the tick loop.
const DefaultTick = time.Second

var (
	// ErrAlreadyRunning is returned by Start when the loop is running.
	ErrAlreadyRunning = errors.New("watchdog already running")

	// ErrInvalidInterval is returned by Arm for non-positive intervals.
	ErrInvalidInterval = errors.New("watchdog interval must be positive")
)

// Callback is invoked when an entry is overdue.
type Callback func(e *Entry)

type queue int

const (
	queueNone queue = iota
	queueActive
	queueInactive
)

// Entry is one armed deadline.
type Entry struct {
	// Interval is the delay until the first firing and, for recurring
	// entries, between firings.
	Interval time.Duration

	// OneShot entries move to the inactive queue after firing once.
	OneShot bool

	// Callback runs on the tick goroutine.
	Callback Callback

	// Data is opaque caller data.
	Data any

	// guarded by Scheduler.mu
	nextFire time.Time
	queue    queue
}

// Config configures a Scheduler.
type Config struct {
	// Tick is the loop period. Default: DefaultTick.
	Tick time.Duration

	// Clock supplies the time. Default: the wall clock.
	Clock Clock

	// OuterLock is taken before the scheduler lock on every tick.
	// Daemons pass the job registry's read locker here.
	OuterLock sync.Locker

	// Logger receives callback failures. Default: slog.Default().
	Logger *slog.Logger
}

// Scheduler is the timer engine.
type Scheduler struct {
	tick   time.Duration
	clock  Clock
	outer  sync.Locker
	logger *slog.Logger

	// tickMu serializes ticks so that entries collected by one tick are
	// not fired by another before being rescheduled.
	tickMu sync.Mutex

	mu       sync.Mutex
	active   []*Entry
	inactive []*Entry
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &Scheduler{
		tick:   cfg.Tick,
		clock:  cfg.Clock,
		outer:  cfg.OuterLock,
		logger: log.WithComponent(log.OrDefault(cfg.Logger), "watchdog"),
	}
}

// Start launches the tick loop. It stops when ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	s.logger.Debug("watchdog started", "tick", s.tick)
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckTimers()
		}
	}
}

// Stop halts the tick loop and waits for it to exit. Armed entries stay
// queued; a later Start resumes them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Debug("watchdog stopped")
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Arm creates an entry and places it on the active queue, due one
// interval from now.
func (s *Scheduler) Arm(interval time.Duration, cb Callback, data any, oneShot bool) (*Entry, error) {
	e := &Entry{Interval: interval, Callback: cb, Data: data, OneShot: oneShot}
	if err := s.Rearm(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Rearm puts e back on the active queue with a fresh deadline. It
// accepts entries that fired, were disarmed, or are still active.
func (s *Scheduler) Rearm(e *Entry) error {
	if e.Interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, e.Interval)
	}
	if e.Callback == nil {
		return errors.New("watchdog entry has no callback")
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unlinkLocked(e)
	e.nextFire = now.Add(e.Interval)
	e.queue = queueActive
	s.active = append(s.active, e)
	activeTimers.Inc()
	return nil
}

// Disarm removes e from whichever queue holds it. Disarming an entry
// twice is harmless.
func (s *Scheduler) Disarm(e *Entry) {
	if e == nil {
		return
	}
	s.mu.Lock()
	s.unlinkLocked(e)
	s.mu.Unlock()
}

func (s *Scheduler) unlinkLocked(e *Entry) {
	switch e.queue {
	case queueActive:
		s.active = removeEntry(s.active, e)
		activeTimers.Dec()
	case queueInactive:
		s.inactive = removeEntry(s.inactive, e)
	}
	e.queue = queueNone
}

func removeEntry(q []*Entry, e *Entry) []*Entry {
	for i, x := range q {
		if x == e {
			copy(q[i:], q[i+1:])
			q[len(q)-1] = nil
			return q[:len(q)-1]
		}
	}
	return q
}

// CheckTimers runs one tick: it fires every overdue active entry, then
// reschedules or retires it. The loop calls this once per Tick; tests
// call it directly with a ManualClock.
func (s *Scheduler) CheckTimers() {
	if s.outer != nil {
		s.outer.Lock()
		defer s.outer.Unlock()
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clock.Now()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.active {
		if !now.Before(e.nextFire) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e)

		s.mu.Lock()
		// A callback may have disarmed or rearmed its own entry.
		if e.queue == queueActive && !now.Before(e.nextFire) {
			if e.OneShot {
				s.active = removeEntry(s.active, e)
				activeTimers.Dec()
				e.queue = queueInactive
				s.inactive = append(s.inactive, e)
			} else {
				e.nextFire = now.Add(e.Interval)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) fire(e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			callbackPanics.Inc()
			s.logger.Error("watchdog callback panicked", "panic", r, "interval", e.Interval)
		}
	}()
	timersFired.WithLabelValues(kindLabel(e.OneShot)).Inc()
	e.Callback(e)
}

// IsActive reports whether e is on the active queue.
func (s *Scheduler) IsActive(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.queue == queueActive
}

// IsInactive reports whether e is on the inactive queue.
func (s *Scheduler) IsInactive(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.queue == queueInactive
}

// NextFire returns the time e is next due.
func (s *Scheduler) NextFire(e *Entry) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.nextFire
}

// Len returns the sizes of the active and inactive queues.
func (s *Scheduler) Len() (active, inactive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.inactive)
}
