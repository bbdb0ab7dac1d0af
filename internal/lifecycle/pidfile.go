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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrDaemonRunning is returned when the PID file names a live daemon.
	ErrDaemonRunning = errors.New("daemon already running")

	// ErrPIDFileLocked is returned when another process holds the PID file lock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// PIDPath returns the conventional PID file location for a daemon.
func PIDPath(dir, name string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.pid", name, port))
}

// PIDFile is a locked PID file. The lock is held for the life of the
// daemon, so a second daemon on the same name and port fails fast.
type PIDFile struct {
	path string
	f    *os.File
}

// NewPIDFile returns a PID file handle for path. Nothing is created yet.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Create writes pid and takes an exclusive lock. A leftover file whose
// process is gone is replaced; one naming a live process is an error.
func (p *PIDFile) Create(pid int) error {
	dir := filepath.Dir(p.path)
	if err := checkDir(dir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create PID file directory: %w", err)
	}

	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		if err := p.clearStale(); err != nil {
			return err
		}
		f, err = os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	}
	if err != nil {
		return fmt.Errorf("create PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(p.path)
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrPIDFileLocked
		}
		return fmt.Errorf("lock PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		p.abort(f)
		return fmt.Errorf("write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		p.abort(f)
		return fmt.Errorf("sync PID file: %w", err)
	}

	p.f = f
	return nil
}

// clearStale removes an existing file unless it is locked or names a
// running process.
func (p *PIDFile) clearStale() error {
	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open existing PID file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return ErrPIDFileLocked
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if pid, err := p.Read(); err == nil && IsProcessRunning(pid) && pid != os.Getpid() {
		return fmt.Errorf("%w: pid %d", ErrDaemonRunning, pid)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale PID file: %w", err)
	}
	return nil
}

func (p *PIDFile) abort(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	os.Remove(p.path)
}

// Read returns the PID stored in the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Remove releases the lock and deletes the file. It is safe to call
// more than once.
func (p *PIDFile) Remove() error {
	if p.f != nil {
		syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
		p.f.Close()
		p.f = nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

// Exists reports whether the file is present.
func (p *PIDFile) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// checkDir rejects a world-writable parent, where another user could
// plant a symlink at the PID path.
func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0o002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
