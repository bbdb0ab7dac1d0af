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

package messages

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ConsoleTimeFormat prefixes each line of the console file.
const ConsoleTimeFormat = "02-Jan 15:04"

// ConsoleLog is the shared file that collects messages for the next
// console that asks for them. Writers within the process are serialized
// by mu; flock keeps other processes sharing the working directory from
// interleaving.
type ConsoleLog struct {
	path    string
	mu      sync.RWMutex
	pending atomic.Bool
}

// NewConsoleLog returns a console log backed by path. The file is
// created on first write.
func NewConsoleLog(path string) *ConsoleLog {
	c := &ConsoleLog{path: path}
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		c.pending.Store(true)
	}
	return c
}

// Path returns the backing file.
func (c *ConsoleLog) Path() string { return c.path }

// Pending reports whether messages were written since the last Drain.
func (c *ConsoleLog) Pending() bool { return c.pending.Load() }

// Append writes one timestamped message. A message without a trailing
// newline gets one.
func (c *ConsoleLog) Append(at time.Time, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open console file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock console file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	var b strings.Builder
	b.WriteString(at.Format(ConsoleTimeFormat))
	b.WriteByte(' ')
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteByte('\n')
	}
	if _, err := io.WriteString(f, b.String()); err != nil {
		return fmt.Errorf("write console file: %w", err)
	}
	c.pending.Store(true)
	return nil
}

// Drain copies the accumulated messages to w and empties the file.
func (c *ConsoleLog) Drain(w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return 0, fmt.Errorf("open console file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock console file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("read console file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return n, fmt.Errorf("truncate console file: %w", err)
	}
	c.pending.Store(false)
	return n, nil
}

// Lines returns the current contents without draining.
func (c *ConsoleLog) Lines() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read console file: %w", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
