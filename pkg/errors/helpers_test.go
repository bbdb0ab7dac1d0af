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
	"strings"
	"testing"
	"time"

	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("connection reset")
		wrapped := bacerrors.Wrap(original, "sending hello")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}
		msg := wrapped.Error()
		if !strings.Contains(msg, "sending hello") || !strings.Contains(msg, "connection reset") {
			t.Errorf("unexpected message: %s", msg)
		}
		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if wrapped := bacerrors.Wrap(nil, "context"); wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("refused")
		wrapped := bacerrors.Wrapf(original, "connecting to %s:%d", "dir.example", 9101)

		if !strings.Contains(wrapped.Error(), "connecting to dir.example:9101") {
			t.Errorf("wrapped error should contain formatted context, got: %s", wrapped)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if wrapped := bacerrors.Wrapf(nil, "job %d", 1); wrapped != nil {
			t.Errorf("Wrapf(nil, ...) should return nil, got: %v", wrapped)
		}
	})
}

func TestAs(t *testing.T) {
	t.Run("extracts protocol error from chain", func(t *testing.T) {
		original := &bacerrors.ProtocolError{Peer: "bacula-dir", Reason: "secret mismatch"}
		wrapped := bacerrors.Wrap(original, "authenticating")

		var target *bacerrors.ProtocolError
		if !bacerrors.As(wrapped, &target) {
			t.Fatal("As should extract ProtocolError from chain")
		}
		if target.Peer != "bacula-dir" {
			t.Errorf("Peer = %q, want %q", target.Peer, "bacula-dir")
		}
	})

	t.Run("returns false for different error type", func(t *testing.T) {
		var target *bacerrors.TimeoutError
		if bacerrors.As(&bacerrors.ResourceError{Kind: "mail"}, &target) {
			t.Error("As should return false when error type doesn't match")
		}
	})
}

func TestIsTimeout(t *testing.T) {
	timeout := &bacerrors.TimeoutError{Operation: "recv", Duration: time.Second}

	if !bacerrors.IsTimeout(bacerrors.Wrap(timeout, "reading")) {
		t.Error("IsTimeout should find a wrapped TimeoutError")
	}
	if bacerrors.IsTimeout(&bacerrors.TransientError{Op: "recv"}) {
		t.Error("IsTimeout should be false for transient I/O errors")
	}
	if bacerrors.IsTimeout(nil) {
		t.Error("IsTimeout(nil) should be false")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  string
		retryable bool
	}{
		{"transient", &bacerrors.TransientError{Op: "recv"}, "transient", true},
		{"timeout", &bacerrors.TimeoutError{Operation: "handshake"}, "timeout", true},
		{"protocol", &bacerrors.ProtocolError{Reason: "bad"}, "protocol", false},
		{"resource", &bacerrors.ResourceError{Kind: "mail"}, "resource", false},
		{"invariant", &bacerrors.InvariantError{Invariant: "refcount"}, "invariant", false},
		{"config", &bacerrors.ConfigError{Key: "tls.level"}, "config", false},
		{"wrapped timeout", bacerrors.Wrap(&bacerrors.TimeoutError{}, "ctx"), "timeout", true},
		{"plain error", errors.New("boom"), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bacerrors.Classify(tt.err); got != tt.wantType {
				t.Errorf("Classify() = %q, want %q", got, tt.wantType)
			}
			if got := bacerrors.IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}

	if got := bacerrors.Classify(nil); got != "" {
		t.Errorf("Classify(nil) = %q, want empty", got)
	}
}
