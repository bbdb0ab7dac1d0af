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

package lifecycle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
)

// StateVersion is the on-disk layout version written by this package.
const StateVersion = 4

var stateMagic = [14]byte{'B', 'a', 'c', 'u', 'l', 'a', ' ', 'S', 't', 'a', 't', 'e', '\n', 0}

// ErrBadStateFile is returned when the header does not match.
var ErrBadStateFile = errors.New("not a bacula state file")

type stateHeader struct {
	Magic        [14]byte
	_            [2]byte
	Version      int32
	Reserved     int32
	LastJobsAddr uint64
	EndOfRecent  uint64
}

var headerSize = binary.Size(stateHeader{})

// StatePath returns the conventional state file location for a daemon.
func StatePath(dir, name string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.state", name, port))
}

// StateFile persists the recent-jobs ring across restarts: a fixed
// header followed by the ring at LastJobsAddr.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// NewStateFile returns a handle for path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the file location.
func (s *StateFile) Path() string { return s.path }

// Write replaces the file with h. The new content goes to a temporary
// file first so a crash never leaves a torn state file.
func (s *StateFile) Write(h *jcr.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := h.WriteAt(tmp, int64(headerSize))
	if err != nil {
		tmp.Close()
		return err
	}
	hdr := stateHeader{
		Magic:        stateMagic,
		Version:      StateVersion,
		LastJobsAddr: uint64(headerSize),
		EndOfRecent:  uint64(headerSize) + uint64(n),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteAt(buf.Bytes(), 0); err != nil {
		tmp.Close()
		return fmt.Errorf("write state header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Read loads the ring into a history of the given capacity. A missing
// file yields an empty history.
func (s *StateFile) Read(capacity int) (*jcr.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return jcr.NewHistory(capacity), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	var hdr stateHeader
	if err := binary.Read(io.NewSectionReader(f, 0, int64(headerSize)), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStateFile, err)
	}
	if hdr.Magic != stateMagic {
		return nil, ErrBadStateFile
	}
	if hdr.Version != StateVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadStateFile, hdr.Version, StateVersion)
	}
	if hdr.LastJobsAddr == 0 {
		return jcr.NewHistory(capacity), nil
	}
	return jcr.ReadHistoryAt(f, int64(hdr.LastJobsAddr), capacity)
}
