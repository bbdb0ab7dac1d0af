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

package errors

import (
	"fmt"
	"time"
)

// TransientError represents a recoverable I/O failure such as an
// interrupted system call or a reset connection. Callers may retry.
type TransientError struct {
	// Op describes the failed operation (e.g., "recv", "send")
	Op string

	// Peer is the remote address, if any
	Peer string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Op)
	if e.Peer != "" {
		msg = fmt.Sprintf("%s (peer %s)", msg, e.Peer)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable implements ErrorClassifier.
func (e *TransientError) IsRetryable() bool { return true }

// TimeoutError represents an expired deadline. The watchdog fired while
// the operation was blocked.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "handshake", "recv")
	Operation string

	// Duration is the deadline that expired
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// ProtocolError represents a rejected handshake: secret mismatch,
// transport-security mismatch, certificate validation failure or a
// malformed protocol line. It is terminal for the connection.
type ProtocolError struct {
	// Peer is the name or address of the remote side
	Peer string

	// State is the handshake state in which the rejection happened
	State string

	// Reason is a one-line description
	Reason string

	// Diagnostic is the multi-line operator explanation
	Diagnostic string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := "authentication rejected"
	if e.Peer != "" {
		msg = fmt.Sprintf("%s by %s", msg, e.Peer)
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s in %s", msg, e.State)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProtocolError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ProtocolError) ErrorType() string { return "protocol" }

// IsRetryable implements ErrorClassifier.
func (e *ProtocolError) IsRetryable() bool { return false }

// UserMessage implements UserVisibleError.
func (e *ProtocolError) UserMessage() string {
	if e.Diagnostic != "" {
		return e.Diagnostic
	}
	return e.Reason
}

// ResourceError represents a destination or resource that could not be
// opened or written (file, pipe, mail program).
type ResourceError struct {
	// Kind is the resource kind (e.g., "mail", "file", "console")
	Kind string

	// Target is the path, address or command
	Target string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s destination %s unavailable: %v", e.Kind, e.Target, e.Cause)
	}
	return fmt.Sprintf("%s destination %s unavailable", e.Kind, e.Target)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ResourceError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ResourceError) ErrorType() string { return "resource" }

// IsRetryable implements ErrorClassifier.
func (e *ResourceError) IsRetryable() bool { return false }

// InvariantError reports a programming invariant violation such as a
// job released more times than it was acquired.
type InvariantError struct {
	// Invariant names the broken rule
	Invariant string

	// Detail carries context for the log
	Detail string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invariant violated: %s (%s)", e.Invariant, e.Detail)
	}
	return fmt.Sprintf("invariant violated: %s", e.Invariant)
}

// ErrorType implements ErrorClassifier.
func (e *InvariantError) ErrorType() string { return "invariant" }

// IsRetryable implements ErrorClassifier.
func (e *InvariantError) IsRetryable() bool { return false }

// ValidationError represents invalid input, such as a malformed console
// command or a bad destination definition.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job", "peer", "secret")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "tls.level")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
