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
	"strings"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrNotDaemonProcess is returned when a PID file names some other program.
	ErrNotDaemonProcess = errors.New("process is not a bacula daemon")

	// ErrShutdownTimeout is returned when the process outlives the grace period.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// DaemonBinary is matched against process command lines.
const DaemonBinary = "baculad"

// ProcessInfo describes a process named by a PID file.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning reports whether pid exists, using signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// IsDaemonProcess reports whether pid is running the daemon binary. It
// guards against signalling an unrelated process through a stale PID file.
func IsDaemonProcess(pid int) bool {
	cmd, err := processCommand(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmd, DaemonBinary)
}

// SendSignal delivers sig to pid.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// WaitForExit polls until pid is gone or timeout passes.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ErrShutdownTimeout
}

// Stop sends SIGTERM and waits. With force, a process still alive after
// timeout gets SIGKILL.
func Stop(pid int, timeout time.Duration, force bool) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return err
	}

	err := WaitForExit(pid, timeout)
	if err == nil || !force {
		return err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process survived SIGKILL: %w", err)
	}
	return nil
}

// StopFromPIDFile stops the daemon recorded in path after checking that
// the PID still belongs to it.
func StopFromPIDFile(path string, timeout time.Duration, force bool) (int, error) {
	pid, err := NewPIDFile(path).Read()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrProcessNotRunning
		}
		return 0, err
	}
	if !IsProcessRunning(pid) {
		return pid, ErrProcessNotRunning
	}
	if !IsDaemonProcess(pid) {
		return pid, fmt.Errorf("%w: pid %d", ErrNotDaemonProcess, pid)
	}
	return pid, Stop(pid, timeout, force)
}

// Inspect returns what is known about pid.
func Inspect(pid int) ProcessInfo {
	info := ProcessInfo{PID: pid, Running: IsProcessRunning(pid)}
	if info.Running {
		if cmd, err := processCommand(pid); err == nil {
			info.Command = cmd
		} else {
			info.Command = "<unknown>"
		}
	}
	return info
}
