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
	"strings"
)

// Type classifies a message. The numeric values appear on the wire in
// director forwarding and must not change.
type Type int

const (
	TypeDebug     Type = 1
	TypeAbort     Type = 2
	TypeFatal     Type = 3
	TypeError     Type = 4
	TypeWarning   Type = 5
	TypeInfo      Type = 6
	TypeSaved     Type = 7
	TypeNotSaved  Type = 8
	TypeSkipped   Type = 9
	TypeMount     Type = 10
	TypeTerm      Type = 11
	TypeErrorTerm Type = 12
	TypeSecurity  Type = 13

	maxType = TypeSecurity
)

var typeNames = [...]string{
	TypeDebug:     "debug",
	TypeAbort:     "abort",
	TypeFatal:     "fatal",
	TypeError:     "error",
	TypeWarning:   "warning",
	TypeInfo:      "info",
	TypeSaved:     "saved",
	TypeNotSaved:  "notsaved",
	TypeSkipped:   "skipped",
	TypeMount:     "mount",
	TypeTerm:      "terminate",
	TypeErrorTerm: "error_term",
	TypeSecurity:  "security",
}

func (t Type) String() string {
	if t >= TypeDebug && t <= maxType {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool { return t >= TypeDebug && t <= maxType }

// ParseType maps a configuration name to a Type. "all" is handled by
// ParseMask.
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t := TypeDebug; t <= maxType; t++ {
		if typeNames[t] == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

// Mask is a set of message types.
type Mask uint32

// AllTypes contains every message type.
const AllTypes Mask = (1<<(maxType+1) - 1) &^ 1

// MaskOf builds a mask from types.
func MaskOf(types ...Type) Mask {
	var m Mask
	for _, t := range types {
		m = m.With(t)
	}
	return m
}

// Has reports whether t is in the mask.
func (m Mask) Has(t Type) bool {
	return t.Valid() && m&(1<<uint(t)) != 0
}

// With returns m plus t.
func (m Mask) With(t Type) Mask {
	if !t.Valid() {
		return m
	}
	return m | 1<<uint(t)
}

// Without returns m minus t.
func (m Mask) Without(t Type) Mask {
	if !t.Valid() {
		return m
	}
	return m &^ (1 << uint(t))
}

// Types lists the members in ascending order.
func (m Mask) Types() []Type {
	var out []Type
	for t := TypeDebug; t <= maxType; t++ {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m Mask) String() string {
	if m == AllTypes {
		return "all"
	}
	names := make([]string, 0, maxType)
	for _, t := range m.Types() {
		names = append(names, t.String())
	}
	return strings.Join(names, ", ")
}

// ParseMask reads a list of type names as written in a messages
// resource. "all" adds every type; a leading '!' removes one, so
// "all, !debug, !saved" selects everything but those two.
func ParseMask(names []string) (Mask, error) {
	var m Mask
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		remove := strings.HasPrefix(name, "!")
		name = strings.TrimPrefix(name, "!")

		if strings.EqualFold(name, "all") {
			if remove {
				m = 0
			} else {
				m = AllTypes
			}
			continue
		}
		t, err := ParseType(name)
		if err != nil {
			return 0, err
		}
		if remove {
			m = m.Without(t)
		} else {
			m = m.With(t)
		}
	}
	return m, nil
}
