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
	"sort"
	"strings"
	"sync"
)

// MinMaskLength is the shortest value a Masker will register. Shorter
// values would blank out ordinary words.
const MinMaskLength = 4

// Masker replaces known secret values in text with "***".
type Masker struct {
	mu     sync.RWMutex
	values map[string]struct{}
	sorted []string
}

// NewMasker creates an empty masker.
func NewMasker() *Masker {
	return &Masker{values: make(map[string]struct{})}
}

// Add registers value to be masked.
func (m *Masker) Add(value string) {
	if len(value) < MinMaskLength {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[value]; ok {
		return
	}
	m.values[value] = struct{}{}
	m.sorted = append(m.sorted, value)
	// Longest first, so a secret containing another is masked whole.
	sort.Slice(m.sorted, func(i, j int) bool { return len(m.sorted[i]) > len(m.sorted[j]) })
}

// Len returns the number of registered values.
func (m *Masker) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Mask replaces all registered values in s.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.sorted {
		if strings.Contains(s, v) {
			s = strings.ReplaceAll(s, v, "***")
		}
	}
	return s
}
