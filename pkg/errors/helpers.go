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
	"errors"
	"fmt"
)

// Wrap annotates err with message. It returns nil when err is nil.
//
//	if err := sock.Fsend("status\n"); err != nil {
//	    return errors.Wrap(err, "sending status command")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf annotates err with a formatted message. It returns nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As from the standard library.
//
//	var perr *ProtocolError
//	if errors.As(err, &perr) {
//	    fmt.Fprint(os.Stderr, perr.Diagnostic)
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap is errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New is errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsTimeout reports whether err's tree contains a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRetryable reports whether the first classified error in err's tree
// may be retried. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// Classify returns the ErrorType of the first classified error in err's
// tree, or "unknown".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "unknown"
}
