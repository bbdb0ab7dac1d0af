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

// UserVisibleError is implemented by errors that carry an operator-facing
// explanation in addition to their Error() text.
type UserVisibleError interface {
	error

	// UserMessage returns the text shown to the operator. It may span
	// several lines.
	UserMessage() string
}

// ErrorClassifier defines methods for programmatic error handling.
// Callers use it to decide between retrying, failing the job, or
// alerting.
type ErrorClassifier interface {
	error

	// ErrorType returns the error category: "transient", "timeout",
	// "protocol", "resource", "invariant", "config", "not_found" or
	// "validation".
	ErrorType() string

	// IsRetryable returns true if the operation may be retried.
	IsRetryable() bool
}

// Compile-time interface assertions.
var (
	_ ErrorClassifier  = (*TransientError)(nil)
	_ ErrorClassifier  = (*TimeoutError)(nil)
	_ ErrorClassifier  = (*ProtocolError)(nil)
	_ ErrorClassifier  = (*ResourceError)(nil)
	_ ErrorClassifier  = (*InvariantError)(nil)
	_ ErrorClassifier  = (*ConfigError)(nil)
	_ ErrorClassifier  = (*NotFoundError)(nil)
	_ ErrorClassifier  = (*ValidationError)(nil)
	_ UserVisibleError = (*ProtocolError)(nil)
)
