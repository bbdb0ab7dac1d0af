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
	"net"
	"time"

	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// DialOptions configures Dial.
type DialOptions struct {
	Options

	// RetryInterval is the pause between connection attempts.
	// Default: 5s.
	RetryInterval time.Duration

	// MaxRetryTime bounds the total time spent retrying. Zero makes a
	// single attempt.
	MaxRetryTime time.Duration
}

// Dial connects to address, retrying every RetryInterval until
// MaxRetryTime has elapsed or ctx is done.
func Dial(ctx context.Context, address string, opts DialOptions) (*Socket, error) {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	logger := log.WithComponent(log.OrDefault(opts.Logger), "bsock")

	deadline := time.Now().Add(opts.MaxRetryTime)
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			return New(conn, opts.Options), nil
		}
		if ctx.Err() != nil || !time.Now().Add(opts.RetryInterval).Before(deadline) {
			return nil, &bacerrors.TransientError{Op: "connect", Peer: opts.Who + " " + address, Cause: err}
		}
		logger.Warn("could not connect, retrying",
			log.PeerKey, opts.Who,
			"address", address,
			"attempt", attempt,
			log.Error(err))

		t := time.NewTimer(opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &bacerrors.TransientError{Op: "connect", Peer: opts.Who + " " + address, Cause: ctx.Err()}
		case <-t.C:
		}
	}
}
