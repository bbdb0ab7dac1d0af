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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/secrets"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move plaintext peer passwords into the secret store",
		Long: `Move plaintext peer passwords from the configuration file into
secure storage.

This command:
1. Scans peers[].password for literal passwords
2. Stores each one as peers/<name> in a writable backend
3. Rewrites the password as a secret:peers/<name> reference
4. Creates a backup before modification

Only YAML configuration files are rewritten.

Examples:
  baculad secrets migrate --dry-run
  baculad secrets migrate --yes --backend file`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}

	cmd.Flags().BoolVar(&secretDryRun, "dry-run", false, "Preview changes without applying")
	cmd.Flags().BoolVar(&secretYes, "yes", false, "Auto-accept without prompts")
	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (file, keychain)")

	return cmd
}

// migrationTarget is a plaintext peer password found in the config.
type migrationTarget struct {
	Peer  string
	Key   string
	Value string
	node  *yaml.Node
}

func runMigrate(cmd *cobra.Command, args []string) error {
	configPath := shared.GetConfigPath()
	if configPath == "" {
		p, err := config.Path()
		if err != nil {
			return fmt.Errorf("failed to locate config: %w", err)
		}
		configPath = p
	}
	if filepath.Ext(configPath) == ".toml" {
		return fmt.Errorf("%s: only YAML configuration files can be migrated", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	migrations := scanPeerPasswords(&doc)
	if len(migrations) == 0 {
		cmd.Println("No plaintext peer passwords found in config.")
		return nil
	}

	cmd.Printf("Found %d plaintext peer password(s) in %s:\n\n", len(migrations), configPath)
	for i, m := range migrations {
		cmd.Printf("%d. peer %s\n", i+1, m.Peer)
		cmd.Printf("   Current: %s\n", maskSecret(m.Value))
		cmd.Printf("   New ref: %s%s\n\n", secrets.SecretRefPrefix, m.Key)
	}

	if secretDryRun {
		cmd.Println("--dry-run mode: No changes will be made")
		return nil
	}
	if !secretYes && !confirm(cmd, "Proceed with migration? [y/N]: ") {
		cmd.Println("Migration canceled")
		return nil
	}

	backupPath := configPath + ".backup." + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	cmd.Printf("Created backup: %s\n", backupPath)

	resolver, err := createResolver()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if err := resolver.Set(cmd.Context(), m.Key, m.Value, secretBackend); err != nil {
			return fmt.Errorf("failed to store secret %q: %w", m.Key, err)
		}
		m.node.Value = secrets.SecretRefPrefix + m.Key
		m.node.Style = 0
		cmd.Printf("Stored secret: %s\n", m.Key)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to marshal updated config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := os.WriteFile(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write updated config: %w", err)
	}

	cmd.Printf("\nMigrated %d peer password(s)\n", len(migrations))
	return nil
}

// scanPeerPasswords finds literal peers[].password values.
func scanPeerPasswords(doc *yaml.Node) []migrationTarget {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	peers := mappingValue(doc.Content[0], "peers")
	if peers == nil || peers.Kind != yaml.SequenceNode {
		return nil
	}

	var out []migrationTarget
	for _, peer := range peers.Content {
		name := mappingValue(peer, "name")
		password := mappingValue(peer, "password")
		if name == nil || password == nil || password.Kind != yaml.ScalarNode {
			continue
		}
		if password.Value == "" || secrets.IsReference(password.Value) {
			continue
		}
		out = append(out, migrationTarget{
			Peer:  name.Value,
			Key:   "peers/" + name.Value,
			Value: password.Value,
			node:  password,
		})
	}
	return out
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
