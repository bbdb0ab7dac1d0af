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

// Package secrets stores and resolves the shared passwords used to
// authenticate daemons and consoles.
//
// Backends are queried in priority order: environment variables, the
// system keychain, then an encrypted file. Configuration refers to a
// stored password with a reference such as "secret:peers/bacula-dir" or
// "env:DIR_PASSWORD"; anything else is taken literally.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when a key does not exist in a backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in
	// the current environment.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrReadOnlyBackend is returned when modifying a read-only backend.
	ErrReadOnlyBackend = errors.New("backend is read-only")
)

// SecretBackend is one place passwords can be stored.
type SecretBackend interface {
	// Name returns the backend identifier, e.g. "keychain".
	Name() string

	// Get returns ErrSecretNotFound if key is not present.
	Get(ctx context.Context, key string) (string, error)

	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error

	// List returns stored keys, never values.
	List(ctx context.Context) ([]string, error)

	// Available reports whether the backend is usable here.
	Available() bool

	// Priority orders resolution, highest first: env (100),
	// keychain (50), file (25).
	Priority() int
}

// ReadOnlyBackend marks backends that reject writes.
type ReadOnlyBackend interface {
	SecretBackend
	ReadOnly() bool
}

// SecretMetadata describes a stored key.
type SecretMetadata struct {
	Key      string
	Backend  string
	ReadOnly bool
}
