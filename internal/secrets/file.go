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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// FileBackendPriority is the priority for the encrypted file backend.
	FileBackendPriority = 25

	// MasterKeyEnv holds the key the file store is encrypted with.
	MasterKeyEnv = "BACULA_MASTER_KEY"

	gcmNonceSize = 12
	saltSize     = 16
)

// KDFParams are the argon2id parameters for deriving the file key.
type KDFParams struct {
	Time        uint32
	MemoryKiB   uint32
	Parallelism uint8
}

// DefaultKDF is used unless a caller overrides it.
var DefaultKDF = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4}

// FileBackend keeps passwords in a JSON map sealed with AES-256-GCM under
// a key derived from the master key with argon2id. A fresh salt and nonce
// are drawn on every save.
type FileBackend struct {
	path      string
	masterKey []byte
	kdf       KDFParams
	available bool

	mu sync.RWMutex
}

type sealedFile struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// FileOption customizes a FileBackend.
type FileOption func(*FileBackend)

// WithKDF overrides the key derivation parameters.
func WithKDF(p KDFParams) FileOption {
	return func(f *FileBackend) { f.kdf = p }
}

// NewFileBackend opens the store at path. masterKey falls back to
// BACULA_MASTER_KEY; without either the backend reports unavailable.
func NewFileBackend(path, masterKey string, opts ...FileOption) (*FileBackend, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config directory: %w", err)
		}
		path = filepath.Join(dir, "bacula", "secrets.enc")
	}
	if masterKey == "" {
		masterKey = os.Getenv(MasterKeyEnv)
	}

	f := &FileBackend{path: path, kdf: DefaultKDF}
	for _, opt := range opts {
		opt(f)
	}
	if masterKey == "" {
		return f, nil
	}
	f.masterKey = []byte(masterKey)
	f.available = true

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}
	return f, nil
}

func (f *FileBackend) Name() string    { return "file" }
func (f *FileBackend) Available() bool { return f.available }
func (f *FileBackend) Priority() int   { return FileBackendPriority }

// Path returns the store location.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Get(ctx context.Context, key string) (string, error) {
	if !f.available {
		return "", fmt.Errorf("%w: master key not set", ErrBackendUnavailable)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	m, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (f *FileBackend) Set(ctx context.Context, key string, value string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not set", ErrBackendUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = value
	return f.save(m)
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not set", ErrBackendUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	delete(m, key)
	return f.save(m)
}

func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	if !f.available {
		return nil, fmt.Errorf("%w: master key not set", ErrBackendUnavailable)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	m, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBackend) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(f.masterKey, salt, f.kdf.Time, f.kdf.MemoryKiB, f.kdf.Parallelism, 32)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// load returns an empty map if the store does not exist yet.
func (f *FileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	var sealed sealedFile
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("invalid secrets file: %w", err)
	}
	gcm, err := f.aead(sealed.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, sealed.Nonce, sealed.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets file (wrong master key or corrupted): %w", err)
	}
	defer clear(plain)

	m := map[string]string{}
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("invalid secrets payload: %w", err)
	}
	return m, nil
}

func (f *FileBackend) save(m map[string]string) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return err
	}
	defer clear(plain)

	salt := make([]byte, saltSize)
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	gcm, err := f.aead(salt)
	if err != nil {
		return err
	}
	out, err := json.Marshal(sealedFile{Salt: salt, Nonce: nonce, Data: gcm.Seal(nil, nonce, plain, nil)})
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}
