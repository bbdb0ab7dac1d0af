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
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainBackendPriority is the priority for the keychain backend.
	KeychainBackendPriority = 50

	// KeychainService is the service name keychain entries are filed under.
	KeychainService = "bacula"
)

// KeychainBackend stores passwords in the system keychain (macOS
// Keychain, the Secret Service on Linux, Credential Manager on Windows).
type KeychainBackend struct {
	service   string
	available bool
}

// NewKeychainBackend probes the keychain and returns a backend that
// reports itself unavailable if the service cannot be reached.
func NewKeychainBackend() *KeychainBackend {
	k := &KeychainBackend{service: KeychainService, available: true}
	_, err := keyring.Get(k.service, "__bacula_availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		k.available = false
	}
	return k
}

func (k *KeychainBackend) Name() string { return "keychain" }

func (k *KeychainBackend) Get(ctx context.Context, key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	v, err := keyring.Get(k.service, key)
	if err != nil {
		return "", k.mapError(key, err)
	}
	return v, nil
}

func (k *KeychainBackend) Set(ctx context.Context, key string, value string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	if err := keyring.Set(k.service, key, value); err != nil {
		return k.mapError(key, err)
	}
	return nil
}

func (k *KeychainBackend) Delete(ctx context.Context, key string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	if err := keyring.Delete(k.service, key); err != nil {
		return k.mapError(key, err)
	}
	return nil
}

// List always returns an empty list; keychains cannot be enumerated
// portably.
func (k *KeychainBackend) List(ctx context.Context) ([]string, error) {
	if !k.available {
		return nil, fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	return []string{}, nil
}

func (k *KeychainBackend) Available() bool { return k.available }
func (k *KeychainBackend) Priority() int   { return KeychainBackendPriority }

func (k *KeychainBackend) mapError(key string, err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"locked", "cannot access", "permission denied", "secret service", "dbus", "user canceled"} {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
	}
	return fmt.Errorf("keychain error: %w", err)
}
