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

package bsock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/watchdog"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// WithDeadline runs fn with a watchdog deadline of d on s.
//
// If the deadline passes before fn returns, the watchdog cancels the
// context given to fn, forces the transport deadline to now so that any
// blocked read or write returns, and sets the socket's error flag. In that
// case WithDeadline returns a *errors.TimeoutError wrapping whatever fn
// returned. The timer is disarmed on every exit path, including a panic
// in fn.
func WithDeadline(ctx context.Context, s *Socket, d time.Duration, fn func(ctx context.Context) error) error {
	if s.timers == nil {
		return ErrNoWatchdog
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		done  bool
		fired bool
	)
	entry, err := s.armTimer(d, func(*watchdog.Entry) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()

		s.timedOut.Store(true)
		cancel()
		s.SetError(&bacerrors.TimeoutError{Operation: "watchdog on " + s.who, Duration: d})
		s.interrupt()
		s.logger.Warn("watchdog interrupted socket", "deadline", d)
	})
	if err != nil {
		return err
	}
	defer s.disarmTimer(entry)

	ferr := fn(ctx)

	mu.Lock()
	done = true
	timedOut := fired
	mu.Unlock()

	if timedOut {
		deadlineTimeouts.Inc()
		return &bacerrors.TimeoutError{Operation: s.who, Duration: d, Cause: ferr}
	}
	return ferr
}

// Bounded runs fn under a deadline of d like WithDeadline, except that
// a deadline already armed on s is left to bound fn. Messages routed to
// a console session while it is replying take this path. Without a
// watchdog fn runs unbounded.
func Bounded(ctx context.Context, s *Socket, d time.Duration, fn func(ctx context.Context) error) error {
	ran := false
	err := WithDeadline(ctx, s, d, func(ctx context.Context) error {
		ran = true
		return fn(ctx)
	})
	if !ran && (errors.Is(err, ErrTimerArmed) || errors.Is(err, ErrNoWatchdog)) {
		return fn(ctx)
	}
	return err
}

func (s *Socket) armTimer(d time.Duration, cb watchdog.Callback) (*watchdog.Entry, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.timer != nil {
		return nil, ErrTimerArmed
	}
	e, err := s.timers.Arm(d, cb, s, true)
	if err != nil {
		return nil, err
	}
	s.timer = e
	return e, nil
}

func (s *Socket) disarmTimer(e *watchdog.Entry) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.timers.Disarm(e)
	if s.timer == e {
		s.timer = nil
	}
}

// HasTimer reports whether a deadline is armed on s.
func (s *Socket) HasTimer() bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.timer != nil
}
