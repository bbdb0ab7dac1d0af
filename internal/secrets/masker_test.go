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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMasker(t *testing.T) {
	m := NewMasker()
	m.Add("abc")
	m.Add("hunter2")
	m.Add("hunter2-long")
	m.Add("hunter2")

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "password *** and ***", m.Mask("password hunter2 and hunter2-long"))
	assert.Equal(t, "abc stays", m.Mask("abc stays"))
}
