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


package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	mask := func(s string) string { return strings.ReplaceAll(s, "s3cret", "***") }
	logger := Redact(base, mask).With("peer", "dir s3cret")

	logger.Info("password s3cret rejected",
		"reason", "s3cret mismatch",
		Error(errors.New("digest of s3cret")),
		"count", 3,
	)
	logger.WithGroup("auth").Info("group", "value", "s3cret")

	out := buf.String()
	if strings.Contains(out, "s3cret") {
		t.Errorf("secret leaked into log output:\n%s", out)
	}
	if !strings.Contains(out, "count=3") {
		t.Errorf("non-string attribute lost:\n%s", out)
	}
	if strings.Count(out, "***") < 5 {
		t.Errorf("expected masked values, got:\n%s", out)
	}
}
