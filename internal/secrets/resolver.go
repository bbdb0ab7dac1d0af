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

package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Resolver queries backends in priority order.
type Resolver struct {
	backends []SecretBackend
}

// NewResolver keeps the available backends, highest priority first.
func NewResolver(backends ...SecretBackend) *Resolver {
	avail := make([]SecretBackend, 0, len(backends))
	for _, b := range backends {
		if b != nil && b.Available() {
			avail = append(avail, b)
		}
	}
	sort.SliceStable(avail, func(i, j int) bool {
		return avail[i].Priority() > avail[j].Priority()
	})
	return &Resolver{backends: avail}
}

// NewDefaultResolver combines the environment, the encrypted file at
// file and, when keychain is set, the OS keychain.
func NewDefaultResolver(file string, keychain bool) (*Resolver, error) {
	fb, err := NewFileBackend(file, "")
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}
	backends := []SecretBackend{NewEnvBackend(), fb}
	if keychain {
		backends = append(backends, NewKeychainBackend())
	}
	return NewResolver(backends...), nil
}

// Backends returns the available backends in resolution order.
func (r *Resolver) Backends() []SecretBackend { return r.backends }

// Get returns the value from the first backend that has key.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}
	var lastErr error
	for _, b := range r.backends {
		v, err := b.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("get secret %q: %w", key, lastErr)
	}
	return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
}

// Set writes to the named backend, or to the first writable one.
func (r *Resolver) Set(ctx context.Context, key, value, backend string) error {
	b, err := r.writable(backend)
	if err != nil {
		return err
	}
	if err := b.Set(ctx, key, value); err != nil {
		return fmt.Errorf("set secret in %s: %w", b.Name(), err)
	}
	return nil
}

// Delete removes key from the named backend, or from every writable
// backend that has it.
func (r *Resolver) Delete(ctx context.Context, key, backend string) error {
	if backend != "" {
		b, err := r.writable(backend)
		if err != nil {
			return err
		}
		return b.Delete(ctx, key)
	}
	deleted := false
	for _, b := range r.backends {
		if isReadOnly(b) {
			continue
		}
		err := b.Delete(ctx, key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete secret from %s: %w", b.Name(), err)
		}
		deleted = true
	}
	if !deleted {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, key)
	}
	return nil
}

// List merges the keys of every backend; the higher priority backend is
// reported for a key stored twice.
func (r *Resolver) List(ctx context.Context) ([]SecretMetadata, error) {
	seen := map[string]bool{}
	var out []SecretMetadata
	for _, b := range r.backends {
		keys, err := b.List(ctx)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, SecretMetadata{Key: k, Backend: b.Name(), ReadOnly: isReadOnly(b)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *Resolver) writable(name string) (SecretBackend, error) {
	for _, b := range r.backends {
		if name != "" && b.Name() != name {
			continue
		}
		if isReadOnly(b) {
			if name != "" {
				return nil, fmt.Errorf("%s: %w", name, ErrReadOnlyBackend)
			}
			continue
		}
		return b, nil
	}
	if name != "" {
		return nil, fmt.Errorf("%w: backend %q", ErrBackendUnavailable, name)
	}
	return nil, errors.New("no writable backend available")
}

func isReadOnly(b SecretBackend) bool {
	ro, ok := b.(ReadOnlyBackend)
	return ok && ro.ReadOnly()
}

// Reference prefixes understood by ResolvePassword.
const (
	SecretRefPrefix = "secret:"
	EnvRefPrefix    = "env:"
)

// ResolvePassword turns a configured password into its value.
// "secret:<key>" is looked up through the resolver, "env:<NAME>" reads an
// environment variable, and any other string is returned unchanged.
func (r *Resolver) ResolvePassword(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, SecretRefPrefix):
		key := strings.TrimPrefix(ref, SecretRefPrefix)
		if key == "" {
			return "", fmt.Errorf("empty secret reference")
		}
		return r.Get(ctx, key)
	case strings.HasPrefix(ref, EnvRefPrefix):
		name := strings.TrimPrefix(ref, EnvRefPrefix)
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, name)
		}
		return v, nil
	}
	return ref, nil
}

// IsReference reports whether s names a stored password rather than
// holding one.
func IsReference(s string) bool {
	return strings.HasPrefix(s, SecretRefPrefix) || strings.HasPrefix(s, EnvRefPrefix)
}
