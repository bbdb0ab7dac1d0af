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
	"os"
	"strings"
	"sync"
)

// Kind is where a destination delivers.
type Kind int

const (
	KindSyslog Kind = iota + 1
	KindMail
	KindFile
	KindAppend
	KindStdout
	KindStderr
	KindDirector
	KindOperator
	KindConsole
	KindMailOnError
)

var kindNames = map[Kind]string{
	KindSyslog:      "syslog",
	KindMail:        "mail",
	KindFile:        "file",
	KindAppend:      "append",
	KindStdout:      "stdout",
	KindStderr:      "stderr",
	KindDirector:    "director",
	KindOperator:    "operator",
	KindConsole:     "console",
	KindMailOnError: "mail_on_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown destination kind %q", s)
}

// needsTarget reports whether the kind is meaningless without a target.
func (k Kind) needsTarget() bool {
	switch k {
	case KindMail, KindMailOnError, KindOperator, KindFile, KindAppend:
		return true
	}
	return false
}

// Destination is one delivery target in a chain. The exported fields are
// fixed once the destination is added; delivery state is guarded by mu.
type Destination struct {
	Kind Kind

	// Target is a path for file and append, recipients for mail kinds,
	// and unused otherwise.
	Target string

	// MailCommand overrides the chain's command for mail and operator
	// destinations.
	MailCommand string

	mask Mask

	mu       sync.Mutex
	file     *os.File
	mailPath string
	maxLen   int
	closed   bool
}

// Mask returns the types routed to the destination.
func (d *Destination) Mask() Mask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mask
}

// MaxLen returns the longest message buffered for mail.
func (d *Destination) MaxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLen
}

func (d *Destination) String() string {
	if d.Target == "" {
		return d.Kind.String()
	}
	return d.Kind.String() + " " + d.Target
}

// DestinationInfo is a copy of a destination's configuration.
type DestinationInfo struct {
	Kind        Kind
	Target      string
	MailCommand string
	Mask        Mask
}
