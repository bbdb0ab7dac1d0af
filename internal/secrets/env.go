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
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority lets the environment override stored passwords.
	EnvBackendPriority = 100

	envSecretPrefix = "BACULA_SECRET_"
)

// EnvBackend reads BACULA_SECRET_<KEY> variables, where the key has its
// slashes and dashes mapped to underscores and is upper-cased:
// "peers/bacula-dir" is BACULA_SECRET_PEERS_BACULA_DIR.
type EnvBackend struct {
	lookup func(string) (string, bool)
}

// NewEnvBackend creates a backend over the process environment.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{lookup: os.LookupEnv}
}

func (e *EnvBackend) Name() string { return "env" }

func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if v, ok := e.lookup(EnvName(key)); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s not set", ErrSecretNotFound, EnvName(key))
}

func (e *EnvBackend) Set(ctx context.Context, key string, value string) error {
	return ErrReadOnlyBackend
}

func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

// List returns the variable suffixes in lower case. The mapping is lossy,
// so these are the normalized names, not the original keys.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, envSecretPrefix) {
			continue
		}
		keys = append(keys, strings.ToLower(strings.TrimPrefix(name, envSecretPrefix)))
	}
	return keys, nil
}

func (e *EnvBackend) Available() bool { return true }
func (e *EnvBackend) Priority() int   { return EnvBackendPriority }
func (e *EnvBackend) ReadOnly() bool  { return true }

// EnvName returns the variable consulted for key.
func EnvName(key string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return envSecretPrefix + strings.ToUpper(r.Replace(key))
}
