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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/secrets"
)

const testConfig = `# console and director
daemon:
  name: migrate-fd
  working_directory: %DIR%
secrets:
  file: %DIR%/secrets.enc
peers:
  - name: bacula-dir
    password: dir-password-1234
  - name: admin
    kind: console
    password: secret:peers/admin
  - name: monitor
    password: env:MONITOR_PASSWORD
`

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bacula.yaml")
	data := strings.ReplaceAll(testConfig, "%DIR%", dir)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(secrets.MasterKeyEnv, "test-master-key")
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		secretBackend, secretUnmask, secretForce, secretDryRun, secretYes = "", false, false, false, false
	})
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "baculad", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(NewCommand())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScanPeerPasswords(t *testing.T) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(strings.ReplaceAll(testConfig, "%DIR%", "/tmp")), &doc); err != nil {
		t.Fatal(err)
	}

	got := scanPeerPasswords(&doc)
	if len(got) != 1 {
		t.Fatalf("expected 1 plaintext password, got %d", len(got))
	}
	if got[0].Peer != "bacula-dir" || got[0].Key != "peers/bacula-dir" || got[0].Value != "dir-password-1234" {
		t.Errorf("unexpected target: %+v", got[0])
	}
}

func TestMigrateDryRunLeavesConfig(t *testing.T) {
	path := setup(t)
	before, _ := os.ReadFile(path)

	out, err := run(t, "", "secrets", "migrate", "--dry-run")
	if err != nil {
		t.Fatalf("migrate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "secret:peers/bacula-dir") {
		t.Errorf("expected new reference in preview, got:\n%s", out)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("dry run modified the config file")
	}
}

func TestMigrateStoresPasswords(t *testing.T) {
	path := setup(t)

	out, err := run(t, "", "secrets", "migrate", "--yes")
	if err != nil {
		t.Fatalf("migrate failed: %v\n%s", err, out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if strings.Contains(text, "dir-password-1234") {
		t.Errorf("plaintext password still in config:\n%s", text)
	}
	if !strings.Contains(text, "secret:peers/bacula-dir") {
		t.Errorf("expected secret reference in config:\n%s", text)
	}
	if !strings.Contains(text, "# console and director") {
		t.Errorf("expected comments to survive:\n%s", text)
	}

	r, err := createResolver()
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ResolvePassword(context.Background(), "secret:peers/bacula-dir")
	if err != nil {
		t.Fatalf("resolve migrated password: %v", err)
	}
	if got != "dir-password-1234" {
		t.Errorf("resolved %q", got)
	}
}

func TestSetAndGet(t *testing.T) {
	setup(t)

	out, err := run(t, "director-secret\n", "secrets", "set", "peers/bacula-dir")
	if err != nil {
		t.Fatalf("set failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "file backend") {
		t.Errorf("expected file backend, got %q", out)
	}

	out, err = run(t, "", "secrets", "get", "peers/bacula-dir")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if strings.Contains(out, "director-secret") || !strings.Contains(out, "di...et") {
		t.Errorf("expected masked value, got %q", out)
	}

	out, err = run(t, "", "secrets", "get", "peers/bacula-dir", "--unmask")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if strings.TrimSpace(out) != "director-secret" {
		t.Errorf("expected unmasked value, got %q", out)
	}

	out, err = run(t, "", "secrets", "delete", "peers/bacula-dir", "--force")
	if err != nil {
		t.Fatalf("delete failed: %v\n%s", err, out)
	}
	if _, err := run(t, "", "secrets", "get", "peers/bacula-dir"); err == nil {
		t.Error("expected get after delete to fail")
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	setup(t)

	out, err := run(t, "n\n", "secrets", "delete", "peers/bacula-dir")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !strings.Contains(out, "Deletion canceled") {
		t.Errorf("expected cancellation, got %q", out)
	}
}

func TestValidateSecretKey(t *testing.T) {
	for _, key := range []string{"", "peers/bacula dir", `peers\dir`} {
		if err := validateSecretKey(key); err == nil {
			t.Errorf("validateSecretKey(%q) succeeded", key)
		}
	}
	if err := validateSecretKey("peers/bacula-dir"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret("short"); got != "****" {
		t.Errorf("maskSecret(short) = %q", got)
	}
	if got := maskSecret("director-secret"); got != "di...et" {
		t.Errorf("maskSecret = %q", got)
	}
}

func TestListJSON(t *testing.T) {
	setup(t)
	if _, err := run(t, "dir-pass-9999\n", "secrets", "set", "peers/bacula-dir"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)
	out, err := run(t, "", "secrets", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var resp struct {
		Command string `json:"command"`
		Secrets []struct {
			Key     string `json:"key"`
			Backend string `json:"backend"`
		} `json:"secrets"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("parse JSON: %v\n%s", err, out)
	}
	if resp.Command != "secrets list" || len(resp.Secrets) != 1 || resp.Secrets[0].Key != "peers/bacula-dir" || resp.Secrets[0].Backend != "file" {
		t.Errorf("unexpected list: %+v", resp)
	}
}
