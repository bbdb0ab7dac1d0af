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

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a host may fail authentication. Each failure
// spends one token from the host's bucket; a host with an empty bucket is
// refused before any challenge is issued until the bucket refills.
type Throttle struct {
	every time.Duration
	burst int
	max   int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// NewThrottle allows burst failures per host, refilling one every
// interval.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if burst <= 0 {
		burst = 3
	}
	return &Throttle{
		every: interval,
		burst: burst,
		max:   4096,
		hosts: make(map[string]*rate.Limiter),
	}
}

// Allowed reports whether host may attempt a handshake now.
func (t *Throttle) Allowed(host string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.hosts[host]
	if !ok {
		return true
	}
	return lim.Tokens() >= 1
}

// Failed records a failed handshake from host.
func (t *Throttle) Failed(host string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.hosts[host]
	if !ok {
		if len(t.hosts) >= t.max {
			t.pruneLocked()
		}
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.hosts[host] = lim
	}
	lim.Allow()
}

// pruneLocked forgets hosts whose buckets have refilled.
func (t *Throttle) pruneLocked() {
	for h, lim := range t.hosts {
		if lim.Tokens() >= float64(t.burst) {
			delete(t.hosts, h)
		}
	}
}
