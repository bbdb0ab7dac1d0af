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


package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/console"
	"github.com/rkorzeniewski/bacula-sub003/internal/commands/daemon"
	"github.com/rkorzeniewski/bacula-sub003/internal/commands/secrets"
	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	versioncmd "github.com/rkorzeniewski/bacula-sub003/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the baculad command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baculad",
		Short: "baculad - Bacula daemon core",
		Long: `baculad runs the core of a Bacula daemon: the job registry, the
timer watchdog, authenticated command sessions and message routing.

Run 'baculad run' to start in the foreground, or 'baculad start' to
detach. 'baculad status' reports recent jobs from disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerGlobalFlags(cmd)

	cmd.AddCommand(daemon.NewCommands()...)
	cmd.AddCommand(secrets.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand("baculad"))

	return cmd
}

// NewConsoleCommand creates the bconsole command.
func NewConsoleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bconsole [command...]",
		Short: "bconsole - Bacula console",
		Long: `bconsole connects to a daemon's command port, authenticates as a
console and sends commands: the one given as arguments, or each line
read from standard input.`,
		Example: `  bconsole status
  bconsole cancel jobid=42
  echo messages | bconsole --address backup1:9102`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          console.Run,
	}
	registerGlobalFlags(cmd)
	console.RegisterFlags(cmd.Flags())

	cmd.AddCommand(versioncmd.NewVersionCommand("bconsole"))

	return cmd
}

func registerGlobalFlags(cmd *cobra.Command) {
	cmd.SetOut(os.Stdout)
	verbose, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVarP(config, "config", "c", "", "Path to config file (default: $BACULA_CONFIG or ~/.config/bacula/bacula.yaml)")
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
