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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/daemon"
	"github.com/rkorzeniewski/bacula-sub003/internal/lifecycle"
)

// Start and stop flags
var (
	startTimeout time.Duration
	stopTimeout  time.Duration
	stopForce    bool
)

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Long: `Start baculad detached from the terminal. Output goes to
<working_directory>/<name>.log.

When metrics.address is set the command waits for /healthz to answer;
otherwise it waits for the PID file to appear.`,
		Args: cobra.NoArgs,
		RunE: runStart,
	}
	cmd.Flags().DurationVar(&startTimeout, "timeout", 10*time.Second, "How long to wait for the daemon to become ready")
	return cmd
}

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Long: `Send SIGTERM to the daemon named in the PID file and wait for it
to exit. With --force, SIGKILL follows when the timeout expires.`,
		Args: cobra.NoArgs,
		RunE: runStop,
	}
	cmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "How long to wait for a graceful exit")
	cmd.Flags().BoolVar(&stopForce, "force", false, "Kill the daemon if it does not exit in time")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, path, err := daemon.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	pidPath := cfg.PIDPath()
	if pid, err := lifecycle.NewPIDFile(pidPath).Read(); err == nil && lifecycle.IsProcessRunning(pid) {
		return fmt.Errorf("%w: pid %d", lifecycle.ErrDaemonRunning, pid)
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	runArgs := []string{"run"}
	if path != "" {
		runArgs = append(runArgs, "--config", path)
	}
	if shared.GetVerbose() {
		runArgs = append(runArgs, "--verbose")
	}
	logPath := filepath.Join(cfg.Daemon.WorkingDirectory, cfg.Daemon.Name+".log")

	pid, err := lifecycle.Detach(binary, runArgs, nil, logPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
	defer cancel()
	if err := waitReady(ctx, cfg, pid); err != nil {
		return fmt.Errorf("daemon started (pid %d) but is not ready, see %s: %w", pid, logPath, err)
	}

	cmd.Printf("%s started (pid %d)\n", cfg.Daemon.Name, pid)
	return nil
}

func waitReady(ctx context.Context, cfg *config.Config, pid int) error {
	if cfg.Metrics.Address != "" {
		_, err := lifecycle.NewProbe(cfg.Metrics.Address).Wait(ctx)
		return err
	}
	pidFile := lifecycle.NewPIDFile(cfg.PIDPath())
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if got, err := pidFile.Read(); err == nil && got == pid {
			return nil
		}
		if !lifecycle.IsProcessRunning(pid) {
			return lifecycle.ErrProcessNotRunning
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := daemon.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	pid, err := lifecycle.StopFromPIDFile(cfg.PIDPath(), stopTimeout, stopForce)
	if errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return shared.NewNotRunningError(fmt.Sprintf("%s is not running", cfg.Daemon.Name), nil)
	}
	if err != nil {
		return err
	}

	cmd.Printf("%s stopped (pid %d)\n", cfg.Daemon.Name, pid)
	return nil
}
