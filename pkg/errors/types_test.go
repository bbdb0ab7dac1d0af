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

package errors_test

import (
	"errors"
	"io"
	"testing"
	"time"

	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

func TestTransientError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *bacerrors.TransientError
		wantMsg string
	}{
		{
			name:    "op only",
			err:     &bacerrors.TransientError{Op: "recv"},
			wantMsg: "recv failed",
		},
		{
			name:    "with peer and cause",
			err:     &bacerrors.TransientError{Op: "send", Peer: "10.0.0.1:9103", Cause: io.ErrUnexpectedEOF},
			wantMsg: "send failed (peer 10.0.0.1:9103): unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &bacerrors.TimeoutError{Operation: "handshake", Duration: 30 * time.Second}
	want := "handshake operation timed out after 30s"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestProtocolError(t *testing.T) {
	cause := errors.New("x509: certificate signed by unknown authority")
	err := &bacerrors.ProtocolError{
		Peer:       "bacula-sd",
		State:      "TLS_UPGRADED",
		Reason:     "tls handshake failed",
		Diagnostic: "line one\nline two\n",
		Cause:      cause,
	}

	want := "authentication rejected by bacula-sd in TLS_UPGRADED: tls handshake failed: x509: certificate signed by unknown authority"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("ProtocolError should unwrap to its cause")
	}
	if got := err.UserMessage(); got != "line one\nline two\n" {
		t.Errorf("UserMessage() = %q", got)
	}

	bare := &bacerrors.ProtocolError{Reason: "bad hello"}
	if got := bare.UserMessage(); got != "bad hello" {
		t.Errorf("UserMessage() without diagnostic = %q, want reason", got)
	}
}

func TestResourceError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *bacerrors.ResourceError
		wantMsg string
	}{
		{
			name:    "without cause",
			err:     &bacerrors.ResourceError{Kind: "mail", Target: "root@localhost"},
			wantMsg: "mail destination root@localhost unavailable",
		},
		{
			name:    "with cause",
			err:     &bacerrors.ResourceError{Kind: "file", Target: "/var/log/bacula.log", Cause: io.ErrClosedPipe},
			wantMsg: "file destination /var/log/bacula.log unavailable: io: read/write on closed pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestInvariantError_Error(t *testing.T) {
	err := &bacerrors.InvariantError{Invariant: "release without acquire", Detail: "job=3"}
	want := "invariant violated: release without acquire (job=3)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *bacerrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &bacerrors.ConfigError{Key: "tls.level", Reason: "unknown level"},
			wantMsg: "config error at tls.level: unknown level",
		},
		{
			name:    "with cause",
			err:     &bacerrors.ConfigError{Reason: "failed to load", Cause: io.EOF},
			wantMsg: "config error: failed to load: EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &bacerrors.NotFoundError{Resource: "job", ID: "42"}
	if got := err.Error(); got != "job not found: 42" {
		t.Errorf("Error() = %q", got)
	}
}
