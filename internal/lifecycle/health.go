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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotReady is returned when the daemon does not report healthy in time.
var ErrNotReady = errors.New("daemon not ready")

// Probe polls the daemon's /healthz endpoint with exponential backoff.
type Probe struct {
	URL    string
	Client *http.Client

	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewProbe probes http://<addr>/healthz. Backoff starts at 50ms and
// doubles up to 1s.
func NewProbe(addr string) *Probe {
	return &Probe{
		URL:        "http://" + addr + "/healthz",
		Client:     &http.Client{Timeout: 5 * time.Second},
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}
}

// Check makes one request and reports the status code.
func (p *Probe) Check(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Wait polls until a check succeeds or ctx ends. It returns the number of
// attempts made.
func (p *Probe) Wait(ctx context.Context) (int, error) {
	interval := p.Initial
	for attempt := 1; ; attempt++ {
		_, err := p.Check(ctx)
		if err == nil {
			return attempt, nil
		}

		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempt, err)
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * p.Multiplier)
		if interval > p.Max {
			interval = p.Max
		}
	}
}
