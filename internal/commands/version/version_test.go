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


package version

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
)

func TestVersionOutput(t *testing.T) {
	shared.SetVersion("15.0.2", "abc123", "2025-03-08")
	defer shared.SetVersion("dev", "unknown", "unknown")

	cmd := NewVersionCommand("baculad")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "baculad version 15.0.2") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestVersionJSONOutput(t *testing.T) {
	shared.SetVersion("15.0.2", "abc123", "2025-03-08")
	defer shared.SetVersion("dev", "unknown", "unknown")

	rootCmd := &cobra.Command{Use: "test"}
	_, jsonPtr, _ := shared.RegisterFlagPointers()
	rootCmd.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	defer shared.SetJSONForTest(false)

	cmd := NewVersionCommand("bconsole")
	rootCmd.AddCommand(cmd)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	var info VersionInfo
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, buf.String())
	}
	if info.Program != "bconsole" || info.Commit != "abc123" || info.BuildDate != "2025-03-08" {
		t.Errorf("unexpected version info: %+v", info)
	}
}
