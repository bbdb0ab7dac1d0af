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


package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// Exit codes shared by baculad and bconsole
const (
	ExitSuccess       = 0
	ExitFailed        = 1
	ExitInvalidConfig = 2
	ExitAuthFailed    = 3
	ExitNotRunning    = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for an unusable configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewAuthError creates an error for a failed handshake
func NewAuthError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitAuthFailed, Message: msg, Cause: cause}
}

// NewNotRunningError creates an error for a daemon that is not running
func NewNotRunningError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotRunning, Message: msg, Cause: cause}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cfgErr *bacerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitInvalidConfig
	}
	var protoErr *bacerrors.ProtocolError
	if errors.As(err, &protoErr) {
		return ExitAuthFailed
	}
	return ExitFailed
}

// HandleExitError prints err and exits with its code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printUserVisibleSuggestion(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// printUserVisibleSuggestion prints the operator message of the first
// UserVisibleError in err's chain.
func printUserVisibleSuggestion(w io.Writer, err error) {
	var userErr bacerrors.UserVisibleError
	if !errors.As(err, &userErr) {
		return
	}
	if msg := userErr.UserMessage(); msg != "" && msg != err.Error() {
		fmt.Fprintf(w, "\n%s\n", msg)
	}
}
