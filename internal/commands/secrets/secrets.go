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


// Package secrets implements the peer password management commands.
package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/daemon"
	"github.com/rkorzeniewski/bacula-sub003/internal/secrets"
)

var (
	secretBackend string
	secretUnmask  bool
	secretForce   bool
	secretDryRun  bool
	secretYes     bool
)

// NewCommand creates the secrets command for peer password management.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage stored peer passwords",
		Long: `Manage the passwords peers authenticate with.

A peer password in the configuration may be given literally, as
"env:<NAME>", or as "secret:<key>". Secret keys resolve through:
  1. Environment variables BACULA_SECRET_<KEY> (read-only)
  2. Encrypted file (needs BACULA_MASTER_KEY)
  3. System keychain, when secrets.keychain is set

Examples:
  baculad secrets set peers/bacula-dir
  baculad secrets get peers/bacula-dir
  baculad secrets list
  baculad secrets migrate --dry-run`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newMigrateCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret",
		Long: `Store a secret in a writable backend.

The value is read from standard input when it is not a terminal, and
prompted for with hidden input otherwise.

Examples:
  baculad secrets set peers/bacula-dir
  echo "s3cret" | baculad secrets set peers/bacula-dir --backend file`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}
	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (file, keychain)")
	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show a secret",
		Long:  `Show a secret value, masked unless --unmask is given.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	cmd.Flags().BoolVar(&secretUnmask, "unmask", false, "Show full value (not masked)")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
		Long:  `List secret keys across all backends. Values are never shown.`,
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Long:  `Remove a secret. Asks for confirmation unless --force is given.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (file, keychain)")
	cmd.Flags().BoolVar(&secretForce, "force", false, "Skip confirmation prompt")
	return cmd
}

func runSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := validateSecretKey(key); err != nil {
		return err
	}

	value, err := readSecretValue(cmd)
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	if value == "" {
		return errors.New("secret value cannot be empty")
	}

	resolver, err := createResolver()
	if err != nil {
		return err
	}
	if err := resolver.Set(cmd.Context(), key, value, secretBackend); err != nil {
		if errors.Is(err, secrets.ErrBackendUnavailable) {
			return fmt.Errorf("backend unavailable: %w\n\nTry:\n  1. Export %s to enable the encrypted file\n  2. Set the variable directly: export %s=<value>",
				err, secrets.MasterKeyEnv, secrets.EnvName(key))
		}
		return fmt.Errorf("failed to set secret: %w", err)
	}

	cmd.Printf("Secret %q stored in %s backend\n", key, backendUsed(resolver))
	return nil
}

func backendUsed(r *secrets.Resolver) string {
	if secretBackend != "" {
		return secretBackend
	}
	for _, b := range r.Backends() {
		if ro, ok := b.(secrets.ReadOnlyBackend); !ok || !ro.ReadOnly() {
			return b.Name()
		}
	}
	return "unknown"
}

func runGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	resolver, err := createResolver()
	if err != nil {
		return err
	}

	value, err := resolver.Get(cmd.Context(), key)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fmt.Errorf("secret not found: %q\n\nSet it with: baculad secrets set %s", key, key)
		}
		return fmt.Errorf("failed to get secret: %w", err)
	}

	if secretUnmask {
		cmd.Println(value)
	} else {
		cmd.Printf("%s (use --unmask to show full value)\n", maskSecret(value))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resolver, err := createResolver()
	if err != nil {
		return err
	}
	metadata, err := resolver.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if shared.GetJSON() {
		type entry struct {
			Key      string `json:"key"`
			Backend  string `json:"backend"`
			ReadOnly bool   `json:"read_only"`
		}
		resp := struct {
			shared.JSONResponse
			Secrets []entry `json:"secrets"`
		}{JSONResponse: shared.NewJSONResponse("secrets list"), Secrets: []entry{}}
		for _, m := range metadata {
			resp.Secrets = append(resp.Secrets, entry{Key: m.Key, Backend: m.Backend, ReadOnly: m.ReadOnly})
		}
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}

	if len(metadata) == 0 {
		cmd.Println("No secrets found")
		return nil
	}

	cmd.Printf("%-40s %-10s %s\n", "KEY", "BACKEND", "READ-ONLY")
	cmd.Println(strings.Repeat("-", 60))
	for _, meta := range metadata {
		readOnly := "no"
		if meta.ReadOnly {
			readOnly = "yes"
		}
		cmd.Printf("%-40s %-10s %s\n", meta.Key, meta.Backend, readOnly)
	}
	cmd.Printf("\nTotal: %d secret(s)\n", len(metadata))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !secretForce && !confirm(cmd, fmt.Sprintf("Are you sure you want to delete secret %q? [y/N]: ", key)) {
		cmd.Println("Deletion canceled")
		return nil
	}

	resolver, err := createResolver()
	if err != nil {
		return err
	}
	if err := resolver.Delete(cmd.Context(), key, secretBackend); err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fmt.Errorf("secret not found: %q", key)
		}
		if errors.Is(err, secrets.ErrReadOnlyBackend) {
			return errors.New("cannot delete from read-only backend (environment variables)")
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	cmd.Printf("Secret %q deleted\n", key)
	return nil
}

// createResolver builds the resolver the daemon would use for the
// current configuration.
func createResolver() (*secrets.Resolver, error) {
	cfg, _, err := daemon.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return nil, shared.NewConfigError("failed to load configuration", err)
	}
	return secrets.NewDefaultResolver(cfg.Secrets.File, cfg.Secrets.Keychain)
}

// readSecretValue reads from the command's input, prompting with hidden
// input when it is a terminal.
func readSecretValue(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter secret value (hidden): ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func confirm(cmd *cobra.Command, prompt string) bool {
	cmd.Print(prompt)
	var response string
	fmt.Fscanln(cmd.InOrStdin(), &response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// maskSecret masks a secret value for display.
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "..." + value[len(value)-2:]
}

// validateSecretKey validates a secret key format.
func validateSecretKey(key string) error {
	if key == "" {
		return errors.New("secret key cannot be empty")
	}
	if strings.ContainsAny(key, " \t") {
		return errors.New("secret key cannot contain spaces")
	}
	if strings.Contains(key, "\\") {
		return errors.New("secret key should use forward slashes (/), not backslashes (\\)")
	}
	return nil
}
