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


package daemon

import (
	"github.com/spf13/cobra"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/daemon"
)

// Run command flags
var (
	runName       string
	runListenAddr string
	runWorkingDir string
)

// NewRunCommand creates the foreground run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Long: `Run baculad in the foreground until SIGINT or SIGTERM.

Configuration is read from --config, $BACULA_CONFIG, or the default
location. Flags override the file.`,
		Example: `  # Run with the default configuration
  baculad run

  # Run on a different port with debug logging
  baculad run --listen 127.0.0.1:19102 --verbose`,
		Args: cobra.NoArgs,
		RunE: runForeground,
	}

	cmd.Flags().StringVar(&runName, "name", "", "Daemon name (overrides daemon.name)")
	cmd.Flags().StringVar(&runListenAddr, "listen", "", "Listen address (overrides listen.address)")
	cmd.Flags().StringVar(&runWorkingDir, "working-dir", "", "Working directory (overrides daemon.working_directory)")

	return cmd
}

func runForeground(cmd *cobra.Command, args []string) error {
	v, c, b := shared.GetVersion()
	return daemon.Run(daemon.RunOptions{
		Version:    v,
		Commit:     c,
		BuildDate:  b,
		ConfigPath: shared.GetConfigPath(),
		Name:       runName,
		ListenAddr: runListenAddr,
		WorkingDir: runWorkingDir,
		Debug:      shared.GetVerbose(),
	})
}
